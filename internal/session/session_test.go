package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghostvm/ghostvm/internal/hypervisor"
)

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("State() = %q, want %q", s.State(), want)
}

func TestStart_ReachesRunning(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	released := false
	s := New("sess-1", adapter, "", func() { released = true }, Callbacks{})

	s.Start(context.Background(), hypervisor.VMConfig{})
	waitForState(t, s, StateRunning)

	if released {
		t.Error("releaseLock called before termination")
	}
}

func TestStart_CreateFailure_ReleasesLockAndStops(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	adapter.FailCreate = errors.New("boom")
	released := make(chan struct{})
	s := New("sess-1", adapter, "", func() { close(released) }, Callbacks{})

	s.Start(context.Background(), hypervisor.VMConfig{})
	waitForState(t, s, StateStopped)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("releaseLock was never called")
	}
}

func TestRequestStop_Graceful_WaitsForGuestDidStop(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	s := New("sess-1", adapter, "", func() {}, Callbacks{})
	s.Start(context.Background(), hypervisor.VMConfig{})
	waitForState(t, s, StateRunning)

	err := s.RequestStop(context.Background(), false)
	if err != nil {
		t.Fatalf("RequestStop() = %v, want nil", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %q, want %q", s.State(), StateStopped)
	}
}

func TestRequestStop_AlreadyStopped_ReturnsNilImmediately(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	s := New("sess-1", adapter, "", func() {}, Callbacks{})
	s.Start(context.Background(), hypervisor.VMConfig{})
	waitForState(t, s, StateRunning)
	if err := s.RequestStop(context.Background(), false); err != nil {
		t.Fatalf("first RequestStop: %v", err)
	}

	if err := s.RequestStop(context.Background(), false); err != nil {
		t.Errorf("RequestStop on stopped session = %v, want nil", err)
	}
}

func TestRequestStop_ConcurrentCallersShareOneResult(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	s := New("sess-1", adapter, "", func() {}, Callbacks{})
	s.Start(context.Background(), hypervisor.VMConfig{})
	waitForState(t, s, StateRunning)

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { results <- s.RequestStop(context.Background(), false) }()
	}
	for i := 0; i < 3; i++ {
		if err := <-results; err != nil {
			t.Errorf("RequestStop[%d] = %v, want nil", i, err)
		}
	}
}

func TestSuspend_WritesStateAndTerminates(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	dir := t.TempDir()
	suspendPath := filepath.Join(dir, "suspend.vzvmsave")

	committed := false
	s := New("sess-1", adapter, suspendPath, func() {}, Callbacks{})
	s.Start(context.Background(), hypervisor.VMConfig{})
	waitForState(t, s, StateRunning)

	err := s.Suspend(context.Background(), func() error {
		committed = true
		return nil
	})
	if err != nil {
		t.Fatalf("Suspend() = %v, want nil", err)
	}
	if !committed {
		t.Error("commitSuspended was not called")
	}
	waitForState(t, s, StateStopped)
}

func TestSuspend_NotRunning_Refused(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	s := New("sess-1", adapter, "", func() {}, Callbacks{})

	err := s.Suspend(context.Background(), func() error { return nil })
	if err == nil {
		t.Fatal("Suspend on an initialized session should be refused")
	}
}

func TestSuspend_SaveFailure_ResumesAndReturnsRunning(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	adapter.FailSave = errors.New("disk full")
	s := New("sess-1", adapter, "/irrelevant", func() {}, Callbacks{})
	s.Start(context.Background(), hypervisor.VMConfig{})
	waitForState(t, s, StateRunning)

	err := s.Suspend(context.Background(), func() error { return nil })
	if err == nil {
		t.Fatal("Suspend() with a failing SaveState should return an error")
	}
	waitForState(t, s, StateRunning)
}

func TestResume_NotSuspended_Refused(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	s := New("sess-1", adapter, "", func() {}, Callbacks{})

	err := s.Resume(context.Background(), hypervisor.VMConfig{}, false, func() error { return nil })
	if err == nil {
		t.Fatal("Resume with wasSuspended=false should be refused")
	}
}

func TestResume_Success_ReachesRunning(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	dir := t.TempDir()
	suspendPath := filepath.Join(dir, "suspend.vzvmsave")
	os.WriteFile(suspendPath, []byte("state"), 0o644)

	committed := false
	s := New("sess-1", adapter, suspendPath, func() {}, Callbacks{})
	err := s.Resume(context.Background(), hypervisor.VMConfig{}, true, func() error {
		committed = true
		return nil
	})
	if err != nil {
		t.Fatalf("Resume() = %v, want nil", err)
	}
	waitForState(t, s, StateRunning)
	if !committed {
		t.Error("commitResumed was not called")
	}
}

func TestHandleTermination_IsIdempotent(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	releaseCount := 0
	terminationCount := 0
	s := New("sess-1", adapter, "", func() { releaseCount++ }, Callbacks{
		TerminationHandler: func(string, error) { terminationCount++ },
	})
	s.Start(context.Background(), hypervisor.VMConfig{})
	waitForState(t, s, StateRunning)

	if err := s.RequestStop(context.Background(), false); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	// A second, post-termination stop must not re-invoke release/termination.
	if err := s.RequestStop(context.Background(), true); err != nil {
		t.Fatalf("RequestStop after stopped: %v", err)
	}

	if releaseCount != 1 {
		t.Errorf("releaseLock called %d times, want 1", releaseCount)
	}
	if terminationCount != 1 {
		t.Errorf("TerminationHandler called %d times, want 1", terminationCount)
	}
}

func TestDone_ClosesOnTermination(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	s := New("sess-1", adapter, "", func() {}, Callbacks{})
	s.Start(context.Background(), hypervisor.VMConfig{})
	waitForState(t, s, StateRunning)

	select {
	case <-s.Done():
		t.Fatal("Done() closed before termination")
	default:
	}

	if err := s.RequestStop(context.Background(), false); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() did not close after termination")
	}
}

func TestForceStopWithTimeout_EscalatesOnTimeout(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	s := New("sess-1", adapter, "", func() {}, Callbacks{})
	s.Start(context.Background(), hypervisor.VMConfig{})
	waitForState(t, s, StateRunning)

	// RequestStop(force=false) on the fake adapter resolves synchronously
	// via GuestDidStop, so ForceStopWithTimeout should return well before
	// its timeout fires without ever escalating.
	err := s.ForceStopWithTimeout(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ForceStopWithTimeout() = %v, want nil", err)
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %q, want %q", s.State(), StateStopped)
	}
}

func TestStateDidChange_DeliveredInOrder(t *testing.T) {
	adapter := hypervisor.NewFakeAdapter()
	var seen []State
	done := make(chan struct{})
	s := New("sess-1", adapter, "", func() {}, Callbacks{
		StateDidChange: func(tr Transition) {
			seen = append(seen, tr.State)
			if tr.State == StateStopped {
				close(done)
			}
		},
	})

	s.Start(context.Background(), hypervisor.VMConfig{})
	waitForState(t, s, StateRunning)
	if err := s.RequestStop(context.Background(), false); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	<-done

	want := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i, st := range want {
		if seen[i] != st {
			t.Errorf("transition[%d] = %q, want %q", i, seen[i], st)
		}
	}
}
