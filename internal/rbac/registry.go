package rbac

import (
	"fmt"
	"sort"

	"github.com/FilipeAphrody/aegis/internal/domain"
)

// Permission tags used across the service. The catalog below is the source
// of truth for the superuser union; new permissions must be added here.
const (
	PermProfileRead   = "profile.read"
	PermProfileWrite  = "profile.write"
	PermMFAManage     = "mfa.manage"
	PermTokenRevoke   = "token.revoke"
	PermSessionList   = "session.list"
	PermAccountManage = "account.manage"
	PermAuditRead     = "audit.read"
)

// BuiltinRoles is the default role catalog used when the backing store does
// not provide one. The admin role is computed as the union of every declared
// permission, not listed by hand.
var BuiltinRoles = map[string][]string{
	"user":    {PermProfileRead, PermProfileWrite, PermMFAManage},
	"support": {PermProfileRead, PermSessionList, PermTokenRevoke},
	"auditor": {PermProfileRead, PermAuditRead},
}

// SuperuserRole receives the union of the whole permission catalog.
const SuperuserRole = "admin"

// Registry resolves role names to immutable, sorted, deduplicated
// permission sets. It is built once at startup and never mutated.
type Registry struct {
	roles map[string][]string
}

// NewRegistry builds a registry from a role catalog. The superuser role is
// added (or overwritten) as the union of every permission appearing in the
// catalog.
func NewRegistry(catalog map[string][]string) *Registry {
	roles := make(map[string][]string, len(catalog)+1)
	union := make(map[string]struct{})
	for name, perms := range catalog {
		set := dedupe(perms)
		roles[name] = set
		for _, p := range set {
			union[p] = struct{}{}
		}
	}
	all := make([]string, 0, len(union))
	for p := range union {
		all = append(all, p)
	}
	sort.Strings(all)
	roles[SuperuserRole] = all
	return &Registry{roles: roles}
}

// Resolve returns the permission set for a role. An unknown role is a
// configuration error, not a runtime condition to hide from logs.
func (r *Registry) Resolve(role string) ([]string, error) {
	perms, ok := r.roles[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownRole, role)
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out, nil
}

// Roles returns the sorted role names known to the registry.
func (r *Registry) Roles() []string {
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasPermission reports whether the permission appears in the set. Sets are
// sorted at load, so this is a binary search.
func HasPermission(perms []string, perm string) bool {
	i := sort.SearchStrings(perms, perm)
	return i < len(perms) && perms[i] == perm
}

func dedupe(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
