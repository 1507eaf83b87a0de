package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/FilipeAphrody/aegis/internal/audit"
	"github.com/FilipeAphrody/aegis/internal/config"
	delivery "github.com/FilipeAphrody/aegis/internal/delivery/http"
	"github.com/FilipeAphrody/aegis/internal/domain"
	"github.com/FilipeAphrody/aegis/internal/lockout"
	"github.com/FilipeAphrody/aegis/internal/mfa"
	"github.com/FilipeAphrody/aegis/internal/rbac"
	"github.com/FilipeAphrody/aegis/internal/repository"
	"github.com/FilipeAphrody/aegis/internal/risk"
	"github.com/FilipeAphrody/aegis/internal/token"
	"github.com/FilipeAphrody/aegis/internal/usecase"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	// 1. Setup Framework
	e := echo.New()

	// 2. Load Configuration from Environment
	cfg := config.Load()
	if cfg.SigningKey == "" {
		log.Fatal("TOKEN_SIGNING_KEY must be set")
	}

	// 3. Initialize Infrastructure (Persistence)
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
	})
	defer rdb.Close()

	// 4. Initialize Repositories and Stores
	accountRepo := repository.NewPostgresAccountRepo(db)
	revocations := repository.NewRedisRevocationStore(rdb)
	sessions := repository.NewRedisSessionStore(rdb, cfg.SessionIdleTimeout, cfg.SessionAbsoluteTimeout)

	// 5. Load the Role Catalog
	// An unknown or empty catalog is a configuration error, fatal at startup.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	catalog, err := accountRepo.LoadRoles(startupCtx)
	cancelStartup()
	if err != nil || len(catalog) == 0 {
		log.Printf("Role catalog unavailable from database (%v), using builtin roles", err)
		catalog = rbac.BuiltinRoles
	}
	registry := rbac.NewRegistry(catalog)
	log.Printf("Loaded roles: %v", registry.Roles())

	// 6. Initialize Engine Components
	tokens, err := token.NewIssuer(cfg.SigningKey, cfg.EncryptionKey, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, revocations)
	if err != nil {
		log.Fatalf("Failed to initialize token issuer: %v", err)
	}

	primaryGuard := lockout.NewGuard(cfg.PrimaryLockout)
	mfaGuard := lockout.NewGuard(cfg.MFALockout)

	signalSource := risk.NewHistorySource()
	assessor := risk.NewAssessor(cfg.Risk, signalSource)

	mfaVerifier := mfa.NewVerifier(cfg.TOTPSkew, accountRepo)

	events := audit.Fanout{
		audit.NewLogSink(nil),
		repository.NewPostgresAuditSink(db, log.Default()),
	}

	authService := usecase.NewAuthUsecase(usecase.Deps{
		Accounts:     accountRepo,
		BackupCodes:  accountRepo,
		Roles:        registry,
		PrimaryGuard: primaryGuard,
		MFAGuard:     mfaGuard,
		Risk:         assessor,
		Observer:     signalSource,
		MFA:          mfaVerifier,
		Tokens:       tokens,
		Sessions:     sessions,
		Events:       events,
		HashWorkers:  cfg.HashWorkers,
	})

	// 7. Global Middlewares
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.Secure())

	// 8. Register Delivery Handlers (Routes)
	v1 := e.Group("/v1")
	loginLimit := delivery.RateLimit(cfg.LoginRatePerSecond, cfg.LoginRateBurst)
	delivery.NewAuthHandler(v1, authService, loginLimit)
	delivery.NewMFAHandler(v1, authService)

	// 9. Health Check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"status":  "healthy",
			"version": "1.0.0",
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	// 10. Background sweep keeps the lockout table bounded
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				primaryGuard.Sweep()
				mfaGuard.Sweep()
			case <-sweepDone:
				return
			}
		}
	}()

	// 11. Start Server with Graceful Shutdown
	go func() {
		log.Printf("Starting Aegis Auth Engine on port %s", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Shutting down the server due to error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gracefully...")
	close(sweepDone)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting")
}

// compile-time checks that the Postgres repo satisfies every store role it
// is wired into
var (
	_ domain.AccountRepository = (*repository.PostgresAccountRepo)(nil)
	_ domain.BackupCodeStore   = (*repository.PostgresAccountRepo)(nil)
	_ domain.RoleCatalog       = (*repository.PostgresAccountRepo)(nil)
)
