package pause

import "sync"

// Switch is a process-wide circuit breaker keyed by module name. The zero
// value is usable and reports every module as running.
type Switch struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewSwitch constructs a switch with every module running.
func NewSwitch() *Switch {
	return &Switch{paused: make(map[string]bool)}
}

// IsPaused implements the View interface.
func (s *Switch) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[module]
}

// SetPaused flips the breaker for a module.
func (s *Switch) SetPaused(module string, paused bool) {
	if s == nil || module == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == nil {
		s.paused = make(map[string]bool)
	}
	s.paused[module] = paused
}
