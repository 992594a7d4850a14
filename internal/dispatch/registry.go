// Package dispatch matches decoded gateway events against registered command
// handlers. A registry holds two ordered tables, one for protocol events and
// one for user commands, each guarded by the same hash derivation the envelope
// package applies to inbound frames.
package dispatch

import (
	"fmt"
	"sync"

	"gatewaybot/botd/internal/envelope"
)

// Handler processes one event. The event passed in is an independent copy
// owned by the handler for the duration of the call.
type Handler func(*envelope.Event) error

// Registration binds a dispatch hash to a handler. Name and Op are retained
// for diagnostics only; matching is purely hash comparison.
type Registration struct {
	Name          string
	Op            int
	MatchHash     envelope.Hash
	IsUserCommand bool
	Handler       Handler
}

// Registry is the command table consulted by the worker pool. It is mutable
// until Seal is called, after which registrations are rejected and lookups
// need no locking.
type Registry struct {
	mu       sync.Mutex
	sealed   bool
	protocol []Registration
	user     []Registration
}

// NewRegistry returns an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterProtocol adds a protocol-event handler keyed by event name and
// opcode. The first registration for a hash wins; later duplicates are
// rejected so wiring mistakes surface at startup.
func (r *Registry) RegisterProtocol(name string, op int, handler Handler) error {
	return r.register(Registration{
		Name:          name,
		Op:            op,
		MatchHash:     envelope.CommandHash(name, op),
		IsUserCommand: false,
		Handler:       handler,
	})
}

// RegisterUser adds a user-command handler keyed by the command token. The
// token is matched against the lower-cased first word of message bodies, so
// registrations should use the lower-cased form.
func (r *Registry) RegisterUser(token string, handler Handler) error {
	return r.register(Registration{
		Name:          token,
		Op:            envelope.OpDispatch,
		MatchHash:     envelope.CommandHash(token, envelope.OpDispatch),
		IsUserCommand: true,
		Handler:       handler,
	})
}

func (r *Registry) register(reg Registration) error {
	if reg.Handler == nil {
		return fmt.Errorf("dispatch: registration %q has no handler", reg.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("dispatch: registry sealed, cannot register %q", reg.Name)
	}
	table := &r.protocol
	if reg.IsUserCommand {
		table = &r.user
	}
	for _, existing := range *table {
		if existing.MatchHash == reg.MatchHash {
			return fmt.Errorf("dispatch: duplicate registration for %q (op %d)", reg.Name, reg.Op)
		}
	}
	*table = append(*table, reg)
	return nil
}

// Seal freezes the registry. Sealing twice is a no-op, so a shared registry
// can be configured once and handed to every bot instance.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether the registry accepts further registrations.
func (r *Registry) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Match looks up the registration owed by the event. Unsatisfied protocol
// obligations take priority over user obligations, mirroring the order the
// queue discharges them in. The boolean reports whether a match was found.
func (r *Registry) Match(ev *envelope.Event) (Registration, bool) {
	if ev == nil {
		return Registration{}, false
	}
	if !ev.HandledProtocol {
		if reg, ok := r.lookup(r.protocol, ev.ProtocolHash); ok {
			return reg, true
		}
	}
	if ev.HasUserCmd && !ev.HandledUser {
		if reg, ok := r.lookup(r.user, ev.UserHash); ok {
			return reg, true
		}
	}
	return Registration{}, false
}

// Matchable reports whether the event could ever match a registration that is
// still owed. Events with no remaining matchable obligation are retired as
// unhandled by the queue.
func (r *Registry) Matchable(ev *envelope.Event) bool {
	_, ok := r.Match(ev)
	return ok
}

func (r *Registry) lookup(table []Registration, hash envelope.Hash) (Registration, bool) {
	for _, reg := range table {
		if reg.MatchHash == hash {
			return reg, true
		}
	}
	return Registration{}, false
}

// ProtocolCount returns the number of protocol registrations.
func (r *Registry) ProtocolCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.protocol)
}

// UserCount returns the number of user-command registrations.
func (r *Registry) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.user)
}
