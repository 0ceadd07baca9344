package roles

import (
	"strings"
	"sync"
)

// Registry is an in-memory capability registry mapping role names to member
// addresses. It satisfies the deposit engine's RoleRegistry interface.
type Registry struct {
	mu      sync.RWMutex
	members map[string]map[[20]byte]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{members: make(map[string]map[[20]byte]struct{})}
}

// Grant adds an address to a role. Granting an already-held role is a no-op.
func (r *Registry) Grant(role string, addr [20]byte) {
	role = normalizeRole(role)
	if role == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[role]
	if !ok {
		set = make(map[[20]byte]struct{})
		r.members[role] = set
	}
	set[addr] = struct{}{}
}

// Revoke removes an address from a role.
func (r *Registry) Revoke(role string, addr [20]byte) {
	role = normalizeRole(role)
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.members[role]; ok {
		delete(set, addr)
	}
}

// HasRole reports whether the address currently holds the role.
func (r *Registry) HasRole(role string, addr [20]byte) bool {
	role = normalizeRole(role)
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.members[role]
	if !ok {
		return false
	}
	_, held := set[addr]
	return held
}

// Members returns the addresses holding a role. Order is unspecified.
func (r *Registry) Members(role string) [][20]byte {
	role = normalizeRole(role)
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[role]
	out := make([][20]byte, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
