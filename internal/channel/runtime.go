package channel

import (
	"sync"

	"wecombot/internal/domain"
)

// RuntimeBinding is the result of probing a host runtime for the capabilities
// reply dispatch needs.
type RuntimeBinding struct {
	Runtime domain.HostRuntime
	Bound   bool
}

// BindRuntime reports whether rt can route and dispatch replies. Hosts that
// only offer one of the two are left unbound; webhooks still register but
// inbound messages go to the message bus instead.
func BindRuntime(rt any) RuntimeBinding {
	if h, ok := rt.(domain.HostRuntime); ok && h != nil {
		return RuntimeBinding{Runtime: h, Bound: true}
	}
	return RuntimeBinding{}
}

// runtimeState holds the host runtime bound by the most recent account start.
type runtimeState struct {
	mu sync.RWMutex
	rt domain.HostRuntime
}

func (s *runtimeState) Set(rt domain.HostRuntime) {
	s.mu.Lock()
	s.rt = rt
	s.mu.Unlock()
}

func (s *runtimeState) Get() (domain.HostRuntime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rt, s.rt != nil
}

func (s *runtimeState) Reset() {
	s.Set(nil)
}
