// Package session implements the supervised lifetime of one running VM:
// start/graceful-stop/force-stop/suspend/resume/crash, spec.md §4.6.
// Grounded directly on the teacher's internal/lifecycle.Manager/Instance:
// the same per-instance mutex-guarded state field, the same
// onStateChange notification hook (here Callbacks.StateDidChange), the same
// idempotent-termination guard generalized from terminateInstance's
// one-shot state flip. The three ordering domains of spec.md §5 map onto
// a per-session serial command queue (hypervisor queue) and a single
// notification-dispatch goroutine (coordination domain).
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ghostvm/ghostvm/internal/hypervisor"
	"github.com/ghostvm/ghostvm/internal/vmerr"
)

// State is one of the six spec.md §4.6 states. Stopped is terminal.
type State string

const (
	StateInitialized State = "initialized"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
	StateSuspending  State = "suspending"
)

// Transition is delivered on the coordination domain after every state
// change. spec.md §5's ordering guarantee — "after stateDidChange(new)
// returns, no callback reports a strictly older state" — is upheld by
// dispatching transitions one at a time from a single goroutine draining
// a buffered channel.
type Transition struct {
	SessionID string
	State     State
	Err       error
}

// Callbacks bundles the user-visible hooks spec.md §5 names.
type Callbacks struct {
	StateDidChange     func(Transition)
	StatusChanged      func(SessionID string)
	TerminationHandler func(SessionID string, err error)
}

// stopRequest is one queued requestStop call; continuations all resolve
// to the same eventual result, per spec.md §4.6/§8.
type stopRequest struct {
	force bool
	done  chan error
}

// Session drives one hypervisor.Adapter instance through its state
// machine. All hypervisor API calls are issued from the single goroutine
// running cmdLoop (the "hypervisor queue"); every field below is only
// ever touched while holding mu, except for the command/notify channels
// themselves.
type Session struct {
	mu    sync.Mutex
	id    string
	state State

	adapter hypervisor.Adapter
	handle  hypervisor.Handle
	hasHandle bool

	releaseLock func() // called at most once, on the terminal stopped transition
	suspendPath string // filesystem path to suspend.vzvmsave

	didTerminate bool
	stopQueue    []stopRequest

	callbacks Callbacks
	notify    chan Transition

	cmds chan func()
	done chan struct{}

	log *log.Logger
}

// New constructs a Session in state initialized. releaseLock is invoked
// exactly once, the first time the session reaches a terminal stopped
// transition (success or failure) — see handleTermination.
func New(id string, adapter hypervisor.Adapter, suspendPath string, releaseLock func(), cb Callbacks) *Session {
	s := &Session{
		id:          id,
		state:       StateInitialized,
		adapter:     adapter,
		suspendPath: suspendPath,
		releaseLock: releaseLock,
		callbacks:   cb,
		notify:      make(chan Transition, 32),
		cmds:        make(chan func(), 32),
		done:        make(chan struct{}),
		log:         log.New(logWriter{}, fmt.Sprintf("session %s: ", id), log.LstdFlags),
	}
	go s.cmdLoop()
	go s.notifyLoop()
	return s
}

// logWriter routes the package logger through the standard log package's
// default writer, matching the teacher's bare log.Printf convention
// rather than introducing a structured-logging dependency.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) { return log.Writer().Write(p) }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed once the session has reached its terminal
// stopped state, for callers that foreground-drive a VM (e.g. vmctl start)
// and need to block until termination without polling State().
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(newState State, err error) {
	s.mu.Lock()
	s.state = newState
	s.mu.Unlock()
	s.notify <- Transition{SessionID: s.id, State: newState, Err: err}
}

// notifyLoop is the coordination domain: one goroutine drains the
// notification channel and delivers callbacks strictly in order.
func (s *Session) notifyLoop() {
	for t := range s.notify {
		if s.callbacks.StateDidChange != nil {
			s.callbacks.StateDidChange(t)
		}
		if s.callbacks.StatusChanged != nil {
			s.callbacks.StatusChanged(s.id)
		}
	}
}

// cmdLoop is the hypervisor queue: a serial goroutine that runs every
// hypervisor-API call. The commitSuspended/commitResumed callbacks passed
// to Suspend and Resume also run here.
func (s *Session) cmdLoop() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			// Drain any commands queued before shutdown so nothing blocks
			// forever on a send to s.cmds.
			for {
				select {
				case fn := <-s.cmds:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (s *Session) enqueue(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// Start transitions initialized -> starting -> running (or -> stopped on
// failure, releasing the lock). Asynchronous: completion is delivered via
// StateDidChange on the coordination domain.
func (s *Session) Start(ctx context.Context, cfg hypervisor.VMConfig) {
	s.mu.Lock()
	if s.state != StateInitialized {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.setState(StateStarting, nil)

	s.enqueue(func() {
		handle, err := s.adapter.CreateVM(ctx, cfg)
		if err != nil {
			s.log.Printf("create VM failed: %v", err)
			s.handleTermination(vmerr.HypervisorErr(err))
			return
		}

		s.mu.Lock()
		s.handle = handle
		s.hasHandle = true
		s.mu.Unlock()

		if err := s.adapter.StartVM(ctx, handle, sessionDelegate{s}); err != nil {
			s.log.Printf("start VM failed: %v", err)
			s.handleTermination(vmerr.HypervisorErr(err))
			return
		}

		s.setState(StateRunning, nil)
	})
}

// sessionDelegate adapts hypervisor.Delegate callbacks onto the session's
// own enqueue/handleTermination machinery, per spec.md §9's
// inverted-ownership design note: the adapter holds only this thin
// back-reference, never a true reference cycle to Session's internals.
type sessionDelegate struct{ s *Session }

func (d sessionDelegate) GuestDidStop(h hypervisor.Handle) {
	d.s.enqueue(func() { d.s.handleTermination(nil) })
}

func (d sessionDelegate) DidStopWithError(h hypervisor.Handle, err error) {
	d.s.enqueue(func() { d.s.handleTermination(vmerr.HypervisorErr(err)) })
}

// RequestStop issues a graceful or force stop. requestStop on an already
// stopped session returns success immediately; requests issued while
// stopping are queued and all resolve to the eventual shared result,
// per spec.md §4.6.
func (s *Session) RequestStop(ctx context.Context, force bool) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateStopping:
		done := make(chan error, 1)
		s.stopQueue = append(s.stopQueue, stopRequest{force: force, done: done})
		s.mu.Unlock()
		return <-done
	}
	s.state = StateStopping
	done := make(chan error, 1)
	s.stopQueue = append(s.stopQueue, stopRequest{force: force, done: done})
	s.mu.Unlock()
	s.notify <- Transition{SessionID: s.id, State: StateStopping}

	s.enqueue(func() {
		s.mu.Lock()
		handle := s.handle
		s.mu.Unlock()

		var err error
		if force {
			err = s.adapter.Stop(ctx, handle)
			if err == nil {
				s.handleTermination(nil)
				return
			}
		} else {
			err = s.adapter.RequestStop(ctx, handle)
			// A graceful stop's actual completion arrives asynchronously via
			// GuestDidStop/DidStopWithError; handleTermination resolves the
			// queue at that point, not here, unless RequestStop itself erred.
			if err == nil {
				return
			}
		}
		s.handleTermination(vmerr.HypervisorErr(err))
	})

	return <-done
}

// handleTermination is the idempotent termination guard: it sets a
// one-shot didTerminate flag, releases the lock at most once, and
// resolves every queued stop continuation with the same result — spec.md
// §4.6/§8's "terminationHandler invoked exactly once".
func (s *Session) handleTermination(err error) {
	s.mu.Lock()
	if s.didTerminate {
		s.mu.Unlock()
		return
	}
	s.didTerminate = true
	s.state = StateStopped
	queue := s.stopQueue
	s.stopQueue = nil
	release := s.releaseLock
	s.mu.Unlock()

	if release != nil {
		release()
	}

	for _, req := range queue {
		req.done <- err
	}

	s.notify <- Transition{SessionID: s.id, State: StateStopped, Err: err}
	if s.callbacks.TerminationHandler != nil {
		s.callbacks.TerminationHandler(s.id, err)
	}
	close(s.done)
}

// Suspend writes suspend.vzvmsave and commits isSuspended=true before
// releasing the lock and transitioning to stopped. On save failure the VM
// is resumed and the original error surfaces to the caller.
func (s *Session) Suspend(ctx context.Context, commitSuspended func() error) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return vmerr.New(vmerr.NotRunning, "suspend requires a running session")
	}
	s.state = StateSuspending
	handle := s.handle
	s.mu.Unlock()
	s.notify <- Transition{SessionID: s.id, State: StateSuspending}

	result := make(chan error, 1)
	s.enqueue(func() {
		if err := s.adapter.SaveState(ctx, handle, s.suspendPath); err != nil {
			s.log.Printf("save state failed, resuming: %v", err)
			if resumeErr := s.adapter.Resume(ctx, handle); resumeErr != nil {
				s.log.Printf("resume after failed suspend also failed: %v", resumeErr)
			}
			s.setState(StateRunning, nil)
			result <- vmerr.HypervisorErr(err)
			return
		}
		if err := commitSuspended(); err != nil {
			result <- err
			return
		}
		result <- nil
		s.handleTermination(nil)
	})
	return <-result
}

// Resume restores from suspend.vzvmsave and calls Resume on the adapter;
// on success the suspend file is gone and isSuspended=false is committed
// by the caller-supplied commitResumed.
func (s *Session) Resume(ctx context.Context, cfg hypervisor.VMConfig, wasSuspended bool, commitResumed func() error) error {
	if !wasSuspended {
		return vmerr.New(vmerr.NotSuspended, "resume requires a suspended VM")
	}

	s.mu.Lock()
	if s.state != StateInitialized {
		s.mu.Unlock()
		return vmerr.New(vmerr.AlreadyStopping, "session already in use")
	}
	s.mu.Unlock()

	s.setState(StateStarting, nil)
	cfg.RestoreFrom = s.suspendPath

	s.enqueue(func() {
		handle, err := s.adapter.CreateVM(ctx, cfg)
		if err != nil {
			s.handleTermination(vmerr.HypervisorErr(err))
			return
		}
		s.mu.Lock()
		s.handle = handle
		s.hasHandle = true
		s.mu.Unlock()

		if err := s.adapter.RestoreState(ctx, handle, s.suspendPath); err != nil {
			s.handleTermination(vmerr.HypervisorErr(err))
			return
		}
		if err := s.adapter.StartVM(ctx, handle, sessionDelegate{s}); err != nil {
			s.handleTermination(vmerr.HypervisorErr(err))
			return
		}
		if err := commitResumed(); err != nil {
			s.handleTermination(vmerr.Wrap(vmerr.HypervisorFailure, "commit resume", err))
			return
		}
		s.setState(StateRunning, nil)
	})
	return nil
}

// ForceStopWithTimeout escalates from graceful stop to force stop if the
// session has not reached stopped within timeout — spec.md §4.6's "a
// force stop never blocks indefinitely".
func (s *Session) ForceStopWithTimeout(ctx context.Context, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- s.RequestStop(ctx, false) }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return s.RequestStop(ctx, true)
	}
}
