package switchboard

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nuttssh/nuttssh/internal/designator"
)

// Resolution and publish errors. The session layer turns these into the
// denial or channel open failure the client sees.
var (
	// ErrNotFound means no publisher is registered under the name.
	ErrNotFound = errors.New("name not registered")
	// ErrBadIndex means the name exists but the index is out of range.
	ErrBadIndex = errors.New("index out of range")
	// ErrPortNotFound means the publisher has no listener on the port.
	ErrPortNotFound = errors.New("port not published")
	// ErrDuplicatePort means the session already publishes the port.
	ErrDuplicatePort = errors.New("port already published")
)

// Registry is the process-wide name table: each published name maps to
// the ordered list of sessions publishing it, newest first. The single
// mutex also guards every session's listener map so that a lookup and
// the listener it yields are always mutually consistent. No method
// blocks while holding the lock; channel opens happen on snapshots taken
// after the lock is released.
type Registry struct {
	mu    sync.Mutex
	names map[string][]*Session
}

// NewRegistry returns an initialised, empty Registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string][]*Session)}
}

// Lookup resolves a name and index to a publishing session. Index 0 is
// the most recently registered publisher of the name.
func (r *Registry) Lookup(name string, index int) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(name, index)
}

// Resolve maps an initiator's destination designator and port to the
// target listener in one pass, so the snapshot cannot straddle a
// concurrent register or disconnect.
func (r *Registry) Resolve(dest string, port uint32) (*Listener, error) {
	name, index := designator.Split(dest, 0)
	r.mu.Lock()
	defer r.mu.Unlock()
	target, err := r.lookupLocked(name, index)
	if err != nil {
		return nil, fmt.Errorf("slave %s: %w", dest, err)
	}
	l, ok := target.listeners[port]
	if !ok {
		return nil, fmt.Errorf("port %d on slave %s: %w", port, dest, ErrPortNotFound)
	}
	return l, nil
}

// CreateListener publishes port for s. A session's first listener
// registers it under all its names, making it visible to initiators.
// Requesting a port the session already publishes is denied and the
// original listener stays.
func (r *Registry) CreateListener(s *Session, host string, port uint32) (*Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := s.listeners[port]; taken {
		return nil, fmt.Errorf("port %d: %w", port, ErrDuplicatePort)
	}
	if len(s.listeners) == 0 {
		r.registerLocked(s)
	}
	l := &Listener{session: s, host: host, port: port}
	s.listeners[port] = l
	return l, nil
}

// CancelListener closes the listener s publishes on port, if any, and
// reports whether one existed. Serves cancel-tcpip-forward.
func (r *Registry) CancelListener(s *Session, port uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := s.listeners[port]
	if !ok {
		return false
	}
	r.closeListenerLocked(l)
	return true
}

// removeListener backs Listener.Close. Safe to call more than once.
func (r *Registry) removeListener(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeListenerLocked(l)
}

// CloseAll tears down every listener s owns and removes s from the name
// table in a single critical section, so a lookup racing a disconnect
// can never resolve to a session whose teardown has begun. Idempotent.
func (r *Registry) CloseAll(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(s.listeners) == 0 {
		return
	}
	for port := range s.listeners {
		delete(s.listeners, port)
	}
	r.unregisterLocked(s)
}

// PublisherInfo is one row of the list command output.
type PublisherInfo struct {
	Hostname string
	PeerIP   string
	Aliases  []string
	Ports    []uint32
}

// Snapshot returns one row per distinct publisher, hostnames ascending
// and ports ascending, all under one lock so the rows are mutually
// consistent.
func (r *Registry) Snapshot() []PublisherInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[*Session]bool)
	var rows []PublisherInfo
	for _, sessions := range r.names {
		for _, s := range sessions {
			if seen[s] {
				continue
			}
			seen[s] = true
			row := PublisherInfo{
				Hostname: s.hostname,
				PeerIP:   s.peerIP(),
				Aliases:  append([]string(nil), s.aliases...),
			}
			for port := range s.listeners {
				row.Ports = append(row.Ports, port)
			}
			sort.Slice(row.Ports, func(i, j int) bool { return row.Ports[i] < row.Ports[j] })
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Hostname < rows[j].Hostname })
	return rows
}

// --- internal helpers (caller must hold r.mu) -------------------------------

func (r *Registry) lookupLocked(name string, index int) (*Session, error) {
	sessions := r.names[name]
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	if index < 0 || index >= len(sessions) {
		return nil, ErrBadIndex
	}
	return sessions[index], nil
}

// registerLocked prepends s under each of its names, so index 0 always
// addresses the newest publisher.
func (r *Registry) registerLocked(s *Session) {
	for _, name := range s.names {
		r.names[name] = append([]*Session{s}, r.names[name]...)
	}
	s.log.Debugf("registered names: %s", strings.Join(s.names, ", "))
}

// unregisterLocked removes s everywhere, preserving the order of the
// remaining publishers.
func (r *Registry) unregisterLocked(s *Session) {
	for _, name := range s.names {
		sessions := r.names[name]
		for i, other := range sessions {
			if other == s {
				r.names[name] = append(sessions[:i], sessions[i+1:]...)
				break
			}
		}
		if len(r.names[name]) == 0 {
			delete(r.names, name)
		}
	}
	s.log.Debugf("unregistered names: %s", strings.Join(s.names, ", "))
}

// closeListenerLocked drops l unless the port was already closed or has
// been republished; a stale close must never evict a fresh listener.
func (r *Registry) closeListenerLocked(l *Listener) {
	s := l.session
	if s.listeners[l.port] != l {
		return
	}
	delete(s.listeners, l.port)
	if len(s.listeners) == 0 {
		r.unregisterLocked(s)
	}
}
