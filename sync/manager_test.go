package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clinicdesk/backend/models"
)

func TestManagerSharesSyncerPerOrg(t *testing.T) {
	var loads atomic.Int32
	m := NewManager(newFakeSource(), func(ctx context.Context, orgID string) ([]models.Appointment, error) {
		loads.Add(1)
		return nil, nil
	}, zap.NewNop(), fastOptions())
	defer m.Close()

	s1, release1, err := m.Acquire(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	s2, release2, err := m.Acquire(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if s1 != s2 {
		t.Fatal("same organization got two syncers")
	}
	if got := loads.Load(); got != 1 {
		t.Errorf("snapshot loaded %d times, want 1", got)
	}

	other, release3, err := m.Acquire(context.Background(), "org_2")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if other == s1 {
		t.Fatal("different organizations share a syncer")
	}

	release1()
	release2()
	release3()
}

func TestManagerTearsDownOnLastRelease(t *testing.T) {
	m := NewManager(newFakeSource(), func(ctx context.Context, orgID string) ([]models.Appointment, error) {
		return nil, nil
	}, zap.NewNop(), fastOptions())
	defer m.Close()

	var attached, detached atomic.Int32
	m.SetAttach(func(orgID string, s *Syncer) func() {
		attached.Add(1)
		return func() { detached.Add(1) }
	})

	s, release1, err := m.Acquire(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	_, release2, err := m.Acquire(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if got := attached.Load(); got != 1 {
		t.Fatalf("attach called %d times, want 1", got)
	}

	release1()
	select {
	case <-s.Done():
		t.Fatal("syncer closed while a reference remained")
	case <-time.After(20 * time.Millisecond):
	}

	// Releasing twice must not double-decrement.
	release1()
	select {
	case <-s.Done():
		t.Fatal("syncer closed after repeated release of same handle")
	case <-time.After(20 * time.Millisecond):
	}

	release2()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("syncer not closed after last release")
	}

	if got := detached.Load(); got != 1 {
		t.Errorf("detach called %d times, want 1", got)
	}
}

func TestManagerReopensAfterTeardown(t *testing.T) {
	m := NewManager(newFakeSource(), func(ctx context.Context, orgID string) ([]models.Appointment, error) {
		return nil, nil
	}, zap.NewNop(), fastOptions())
	defer m.Close()

	s1, release, err := m.Acquire(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	release()
	<-s1.Done()

	s2, release2, err := m.Acquire(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("Acquire after teardown failed: %v", err)
	}
	defer release2()

	if s1 == s2 {
		t.Fatal("manager returned a closed syncer")
	}
}

func TestManagerCloseShutsEverything(t *testing.T) {
	m := NewManager(newFakeSource(), func(ctx context.Context, orgID string) ([]models.Appointment, error) {
		return nil, nil
	}, zap.NewNop(), fastOptions())

	s1, _, err := m.Acquire(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	s2, _, err := m.Acquire(context.Background(), "org_2")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	m.Close()

	for _, s := range []*Syncer{s1, s2} {
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("syncer still running after manager close")
		}
	}
}
