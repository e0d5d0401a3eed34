package session_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/session"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := session.NewRegistry(session.WithClock(func() time.Time { return fixed }))

	s, created := r.GetOrCreate("client-1")
	if !created {
		t.Fatal("first call should create")
	}
	if s.ID() != "client-1" || s.Len() != 0 || s.Status() != session.StatusActive {
		t.Fatalf("unexpected new session: id=%s len=%d status=%s", s.ID(), s.Len(), s.Status())
	}
	if !s.CreatedAt().Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", s.CreatedAt(), fixed)
	}

	again, created := r.GetOrCreate("client-1")
	if created || again != s {
		t.Fatal("second call should return the same session")
	}
}

func TestRegistry_ConcurrentSameID(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry()
	const n = 64
	results := make([]*session.Session, n)
	var createdCount int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, created := r.GetOrCreate("same")
			results[i] = s
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Fatalf("created %d sessions for one id, want 1", createdCount)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatal("callers observed different sessions for the same id")
		}
	}
}

func TestRegistry_CreateConflict(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry()
	if _, err := r.Create("x"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create("x"); !errors.Is(err, session.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry()
	s, _ := r.GetOrCreate("x")

	for i := 0; i < 3; i++ {
		if err := r.Remove("x"); err != nil {
			t.Fatalf("Remove #%d: %v", i, err)
		}
	}
	if err := r.Remove("never-existed"); err != nil {
		t.Fatalf("Remove unknown: %v", err)
	}
	if _, ok := r.Get("x"); ok {
		t.Fatal("session still registered")
	}
	if s.Status() != session.StatusClosed {
		t.Fatalf("removed session status = %s, want closed", s.Status())
	}
}

func TestRegistry_ClosedSessionIsReplaced(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry()
	old, _ := r.GetOrCreate("x")
	_ = old.Close()

	fresh, created := r.GetOrCreate("x")
	if !created || fresh == old {
		t.Fatal("closed session must be replaced, not revived")
	}
	if old.Status() != session.StatusClosed {
		t.Fatal("old session resurrected")
	}
}

func TestRegistry_ReleaseLeavesNewerSession(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry()
	old, _ := r.GetOrCreate("x")
	_ = old.Close()
	fresh, _ := r.GetOrCreate("x")

	if err := r.Release(old); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got, ok := r.Get("x"); !ok || got != fresh {
		t.Fatal("Release of a stale session removed its successor")
	}
	_ = r.Release(fresh)
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry()
	a, _ := r.GetOrCreate("a")
	b, _ := r.GetOrCreate("b")
	if err := r.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if r.Len() != 0 || a.Status() != session.StatusClosed || b.Status() != session.StatusClosed {
		t.Fatal("CloseAll did not close and remove every session")
	}
}
