package switchboard

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nuttssh/nuttssh/internal/logging"
)

// testSession builds a session that never touches a real SSH
// connection; registry and listener logic only needs names and the
// listener map.
func testSession(r *Registry, hostname string, aliases ...string) *Session {
	return &Session{
		registry:  r,
		hostname:  hostname,
		aliases:   aliases,
		names:     append([]string{hostname}, aliases...),
		listeners: make(map[uint32]*Listener),
		log:       logging.WithField("test", hostname),
	}
}

// ---- Lookup --------------------------------------------------------------

func TestRegistry_LookupUnknownName(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup("nowhere", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup(nowhere) err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_LookupNewestFirst(t *testing.T) {
	r := NewRegistry()
	first := testSession(r, "p1", "web")
	second := testSession(r, "p2", "web")

	if _, err := r.CreateListener(first, "localhost", 80); err != nil {
		t.Fatalf("CreateListener(first): %v", err)
	}
	if _, err := r.CreateListener(second, "localhost", 80); err != nil {
		t.Fatalf("CreateListener(second): %v", err)
	}

	got, err := r.Lookup("web", 0)
	if err != nil {
		t.Fatalf("Lookup(web, 0): %v", err)
	}
	if got != second {
		t.Errorf("Lookup(web, 0) = %s, want p2 (newest publisher)", got.hostname)
	}

	got, err = r.Lookup("web", 1)
	if err != nil {
		t.Fatalf("Lookup(web, 1): %v", err)
	}
	if got != first {
		t.Errorf("Lookup(web, 1) = %s, want p1", got.hostname)
	}
}

func TestRegistry_LookupIndexOutOfRange(t *testing.T) {
	r := NewRegistry()
	s := testSession(r, "web")
	if _, err := r.CreateListener(s, "localhost", 80); err != nil {
		t.Fatalf("CreateListener: %v", err)
	}

	if _, err := r.Lookup("web", 1); !errors.Is(err, ErrBadIndex) {
		t.Errorf("Lookup(web, 1) err = %v, want ErrBadIndex (no wraparound)", err)
	}
	if _, err := r.Lookup("web", -1); !errors.Is(err, ErrBadIndex) {
		t.Errorf("Lookup(web, -1) err = %v, want ErrBadIndex", err)
	}
}

// ---- Resolve -------------------------------------------------------------

func TestRegistry_ResolveDesignator(t *testing.T) {
	r := NewRegistry()
	first := testSession(r, "p1", "web")
	second := testSession(r, "p2", "web")
	if _, err := r.CreateListener(first, "localhost", 80); err != nil {
		t.Fatalf("CreateListener(first): %v", err)
	}
	if _, err := r.CreateListener(second, "localhost", 80); err != nil {
		t.Fatalf("CreateListener(second): %v", err)
	}

	l, err := r.Resolve("web", 80)
	if err != nil {
		t.Fatalf("Resolve(web): %v", err)
	}
	if l.session != second {
		t.Errorf("Resolve(web) reached %s, want p2", l.session.hostname)
	}

	l, err = r.Resolve("web~1", 80)
	if err != nil {
		t.Fatalf("Resolve(web~1): %v", err)
	}
	if l.session != first {
		t.Errorf("Resolve(web~1) reached %s, want p1", l.session.hostname)
	}

	if _, err := r.Resolve("web~2", 80); !errors.Is(err, ErrBadIndex) {
		t.Errorf("Resolve(web~2) err = %v, want ErrBadIndex", err)
	}
	if _, err := r.Resolve("web", 443); !errors.Is(err, ErrPortNotFound) {
		t.Errorf("Resolve(web, 443) err = %v, want ErrPortNotFound", err)
	}
	if _, err := r.Resolve("gone", 80); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(gone) err = %v, want ErrNotFound", err)
	}
}

// ---- Listener lifecycle --------------------------------------------------

func TestRegistry_FirstListenerRegistersAllNames(t *testing.T) {
	r := NewRegistry()
	s := testSession(r, "db", "primary", "backend")

	// Invisible before the first listener.
	for _, name := range s.names {
		if _, err := r.Lookup(name, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("Lookup(%s) before publish err = %v, want ErrNotFound", name, err)
		}
	}

	if _, err := r.CreateListener(s, "localhost", 5432); err != nil {
		t.Fatalf("CreateListener: %v", err)
	}
	for _, name := range s.names {
		got, err := r.Lookup(name, 0)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", name, err)
		}
		if got != s {
			t.Errorf("Lookup(%s) = %v, want the publishing session", name, got)
		}
	}
}

func TestRegistry_DuplicatePortKeepsFirstListener(t *testing.T) {
	r := NewRegistry()
	s := testSession(r, "web")

	first, err := r.CreateListener(s, "localhost", 80)
	if err != nil {
		t.Fatalf("CreateListener: %v", err)
	}
	if _, err := r.CreateListener(s, "localhost", 80); !errors.Is(err, ErrDuplicatePort) {
		t.Fatalf("second CreateListener err = %v, want ErrDuplicatePort", err)
	}

	l, err := r.Resolve("web", 80)
	if err != nil {
		t.Fatalf("Resolve after duplicate: %v", err)
	}
	if l != first {
		t.Error("duplicate request evicted the original listener")
	}
}

func TestRegistry_LastListenerCloseUnregisters(t *testing.T) {
	r := NewRegistry()
	s := testSession(r, "web", "frontend")

	l80, err := r.CreateListener(s, "localhost", 80)
	if err != nil {
		t.Fatalf("CreateListener(80): %v", err)
	}
	l443, err := r.CreateListener(s, "localhost", 443)
	if err != nil {
		t.Fatalf("CreateListener(443): %v", err)
	}

	l80.Close()
	if _, err := r.Lookup("web", 0); err != nil {
		t.Fatalf("still one listener left, Lookup(web): %v", err)
	}

	l443.Close()
	for _, name := range s.names {
		if _, err := r.Lookup(name, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("Lookup(%s) after last close err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestListener_CloseIdempotent(t *testing.T) {
	r := NewRegistry()
	s := testSession(r, "web")
	l, err := r.CreateListener(s, "localhost", 80)
	if err != nil {
		t.Fatalf("CreateListener: %v", err)
	}

	l.Close()
	l.Close()
	l.Close()

	if _, err := r.Lookup("web", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(web) err = %v, want ErrNotFound", err)
	}
}

func TestListener_StaleCloseKeepsRepublishedPort(t *testing.T) {
	r := NewRegistry()
	s := testSession(r, "web")
	old, err := r.CreateListener(s, "localhost", 80)
	if err != nil {
		t.Fatalf("CreateListener: %v", err)
	}
	old.Close()

	fresh, err := r.CreateListener(s, "localhost", 80)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}

	// Closing the stale handle again must not evict the fresh listener.
	old.Close()
	l, err := r.Resolve("web", 80)
	if err != nil {
		t.Fatalf("Resolve after stale close: %v", err)
	}
	if l != fresh {
		t.Error("stale close evicted the republished listener")
	}
}

func TestRegistry_CancelListener(t *testing.T) {
	r := NewRegistry()
	s := testSession(r, "web")
	if _, err := r.CreateListener(s, "localhost", 80); err != nil {
		t.Fatalf("CreateListener: %v", err)
	}

	if !r.CancelListener(s, 80) {
		t.Error("CancelListener(80) = false, want true")
	}
	if r.CancelListener(s, 80) {
		t.Error("second CancelListener(80) = true, want false")
	}
	if _, err := r.Lookup("web", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(web) after cancel err = %v, want ErrNotFound", err)
	}
}

// ---- Teardown ------------------------------------------------------------

func TestRegistry_CloseAllRemovesEveryReference(t *testing.T) {
	r := NewRegistry()
	s := testSession(r, "web", "frontend")
	other := testSession(r, "other", "frontend")

	for _, port := range []uint32{80, 443} {
		if _, err := r.CreateListener(s, "localhost", port); err != nil {
			t.Fatalf("CreateListener(%d): %v", port, err)
		}
	}
	if _, err := r.CreateListener(other, "localhost", 80); err != nil {
		t.Fatalf("CreateListener(other): %v", err)
	}

	r.CloseAll(s)
	r.CloseAll(s) // idempotent

	if len(s.listeners) != 0 {
		t.Errorf("session keeps %d listeners after CloseAll", len(s.listeners))
	}
	if _, err := r.Lookup("web", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(web) err = %v, want ErrNotFound", err)
	}
	// The shared alias still resolves to the surviving publisher.
	got, err := r.Lookup("frontend", 0)
	if err != nil {
		t.Fatalf("Lookup(frontend): %v", err)
	}
	if got != other {
		t.Errorf("Lookup(frontend) = %s, want the surviving publisher", got.hostname)
	}
	if _, err := r.Lookup("frontend", 1); !errors.Is(err, ErrBadIndex) {
		t.Errorf("Lookup(frontend, 1) err = %v, want ErrBadIndex", err)
	}
}

func TestRegistry_UnregisterPreservesOrder(t *testing.T) {
	r := NewRegistry()
	var sessions []*Session
	for i := 0; i < 3; i++ {
		s := testSession(r, fmt.Sprintf("p%d", i), "web")
		if _, err := r.CreateListener(s, "localhost", 80); err != nil {
			t.Fatalf("CreateListener(p%d): %v", i, err)
		}
		sessions = append(sessions, s)
	}

	// Remove the middle publisher; the newest keeps index 0 and the
	// oldest moves up to index 1.
	r.CloseAll(sessions[1])

	got0, err := r.Lookup("web", 0)
	if err != nil {
		t.Fatalf("Lookup(web, 0): %v", err)
	}
	got1, err := r.Lookup("web", 1)
	if err != nil {
		t.Fatalf("Lookup(web, 1): %v", err)
	}
	if got0 != sessions[2] || got1 != sessions[0] {
		t.Errorf("order after unregister = %s, %s; want p2, p0",
			got0.hostname, got1.hostname)
	}
}

// ---- Snapshot ------------------------------------------------------------

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	if rows := r.Snapshot(); len(rows) != 0 {
		t.Fatalf("empty registry snapshot has %d rows", len(rows))
	}

	web := testSession(r, "web", "frontend")
	db := testSession(r, "db")
	for _, port := range []uint32{443, 80} {
		if _, err := r.CreateListener(web, "localhost", port); err != nil {
			t.Fatalf("CreateListener(web, %d): %v", port, err)
		}
	}
	if _, err := r.CreateListener(db, "localhost", 5432); err != nil {
		t.Fatalf("CreateListener(db): %v", err)
	}

	rows := r.Snapshot()
	if len(rows) != 2 {
		t.Fatalf("snapshot has %d rows, want 2", len(rows))
	}
	// Hostnames ascending.
	if rows[0].Hostname != "db" || rows[1].Hostname != "web" {
		t.Errorf("snapshot order = %s, %s; want db, web", rows[0].Hostname, rows[1].Hostname)
	}
	// Ports ascending regardless of publish order.
	if len(rows[1].Ports) != 2 || rows[1].Ports[0] != 80 || rows[1].Ports[1] != 443 {
		t.Errorf("web ports = %v, want [80 443]", rows[1].Ports)
	}
	if len(rows[1].Aliases) != 1 || rows[1].Aliases[0] != "frontend" {
		t.Errorf("web aliases = %v, want [frontend]", rows[1].Aliases)
	}
}

// ---- Concurrency smoke test ----------------------------------------------

func TestRegistry_ConcurrentPublishers(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := testSession(r, fmt.Sprintf("host%d", i), "shared")
			if _, err := r.CreateListener(s, "localhost", 80); err != nil {
				t.Errorf("CreateListener(host%d): %v", i, err)
				return
			}
			if _, err := r.Resolve("shared", 80); err != nil {
				t.Errorf("Resolve from host%d: %v", i, err)
			}
			r.CloseAll(s)
		}()
	}
	wg.Wait()

	if _, err := r.Lookup("shared", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(shared) after churn err = %v, want ErrNotFound", err)
	}
	if rows := r.Snapshot(); len(rows) != 0 {
		t.Errorf("snapshot after churn has %d rows, want 0", len(rows))
	}
}
