package rbac

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && (r.act == p.act || p.act == "*")
`

// AccessTable maps resource -> action -> roles allowed. It is the same data
// the guards evaluate and is served to clients as-is.
type AccessTable map[string]map[string][]string

type Policy struct {
	mu       sync.RWMutex
	enforcer *casbin.Enforcer
	roles    []Role
}

// NewPolicy builds the enforcer for roles. It panics only when the built-in
// model text is broken.
func NewPolicy(roles []Role) *Policy {
	p, err := BuildPolicy(roles)
	if err != nil {
		panic(err)
	}
	return p
}

func BuildPolicy(roles []Role) (*Policy, error) {
	e, err := buildEnforcer(roles)
	if err != nil {
		return nil, err
	}
	return &Policy{enforcer: e, roles: cloneRoles(roles)}, nil
}

func buildEnforcer(roles []Role) (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("rbac model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("rbac enforcer: %w", err)
	}
	for _, role := range roles {
		name := strings.TrimSpace(role.Name)
		if name == "" {
			continue
		}
		for _, perm := range role.Permissions {
			obj, act := perm.Split()
			if obj == "" || act == "" {
				return nil, fmt.Errorf("role %s: malformed permission %q", name, perm)
			}
			if _, err := e.AddPolicy(name, obj, act); err != nil {
				return nil, fmt.Errorf("role %s: add %s: %w", name, perm, err)
			}
		}
		for _, parent := range role.Inherits {
			if _, err := e.AddGroupingPolicy(name, strings.TrimSpace(parent)); err != nil {
				return nil, fmt.Errorf("role %s: inherit %s: %w", name, parent, err)
			}
		}
	}
	return e, nil
}

// Replace swaps the role set atomically.
func (p *Policy) Replace(roles []Role) error {
	e, err := buildEnforcer(roles)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.enforcer = e
	p.roles = cloneRoles(roles)
	p.mu.Unlock()
	return nil
}

func (p *Policy) Allowed(roles []string, perm Permission) bool {
	if p == nil {
		return false
	}
	obj, act := perm.Split()
	if obj == "" || act == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, role := range roles {
		ok, err := p.enforcer.Enforce(strings.TrimSpace(role), obj, act)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// Permissions evaluates every known permission for the role set.
func (p *Policy) Permissions(roles []string) []Permission {
	out := make([]Permission, 0, len(AllPermissions))
	for _, perm := range AllPermissions {
		if p.Allowed(roles, perm) {
			out = append(out, perm)
		}
	}
	return out
}

func (p *Policy) Roles() []Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneRoles(p.roles)
}

func (p *Policy) RoleNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.roles))
	for _, r := range p.roles {
		out = append(out, r.Name)
	}
	sort.Strings(out)
	return out
}

// Table renders the access table by asking the enforcer about every
// (role, permission) pair.
func (p *Policy) Table() AccessTable {
	table := AccessTable{}
	names := p.RoleNames()
	for _, perm := range AllPermissions {
		obj, act := perm.Split()
		if table[obj] == nil {
			table[obj] = map[string][]string{}
		}
		allowed := []string{}
		for _, name := range names {
			if p.Allowed([]string{name}, perm) {
				allowed = append(allowed, name)
			}
		}
		table[obj][act] = allowed
	}
	return table
}

func cloneRoles(in []Role) []Role {
	out := make([]Role, 0, len(in))
	for _, r := range in {
		cp := r
		cp.Inherits = append([]string(nil), r.Inherits...)
		cp.Permissions = append([]Permission(nil), r.Permissions...)
		out = append(out, cp)
	}
	return out
}
