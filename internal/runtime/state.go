package runtime

import (
	"fmt"
	"sync"

	"github.com/arintra/browserd/internal/runtimeerr"
)

// transition enumerates the named edges of the state machine (§4.4). The
// names are not referenced by the guard logic, which lives in the methods
// below.
type transition string

const (
	transitionLaunchSuccess transition = "launch_success"
	transitionLaunchFailure transition = "launch_failure"
	transitionEnd           transition = "end"
	transitionDrainOK       transition = "drain_ok"
	transitionRestart       transition = "restart"
	transitionCrash         transition = "crash"
	transitionRecover       transition = "recover"
	transitionTerminate     transition = "terminate"
)

// StateMachine tracks one session's lifecycle tag and the bookkeeping
// needed to decide idempotence/disconnect/recovery behavior (§4.4). It is
// intentionally dumb: it does not know how to launch or close a browser,
// only which transitions are legal from which state. The Orchestrator
// (orchestrator.go) drives it under its single transition mutex, mirroring
// the lock-ordering discipline documented on the teacher's Session type
// (opMu held for the duration of a state-changing operation, mu for fast
// reads of the current tag).
type StateMachine struct {
	mu sync.RWMutex

	state      State
	failedFrom State
	currentCfg *SessionConfig
	lastErr    error
}

// NewStateMachine starts in idle, per §4.4.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

// Current returns the current state tag. Safe for concurrent use.
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// CurrentConfig returns the config associated with the live/draining
// session, or nil if none.
func (sm *StateMachine) CurrentConfig() *SessionConfig {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentCfg
}

// BeginLaunch validates the launch edge. From idle it moves to launching
// and returns (false, nil). From live it leaves the state unchanged: it
// returns (true, nil) when cfg is similar to the current live config
// (idempotent launch, §4.4 rule 2), and (false, nil) when cfg differs, in
// which case the caller ends the session and calls BeginLaunch again from
// idle. err is InvalidState when called from any other state.
func (sm *StateMachine) BeginLaunch(cfg SessionConfig) (alreadyLive bool, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch sm.state {
	case StateIdle:
		sm.state = StateLaunching
		return false, nil
	case StateLive:
		if sm.currentCfg != nil && sm.currentCfg.Similar(cfg) {
			return true, nil
		}
		// Differing config: caller must end() then launch() atomically;
		// signal that by returning to idle only once end() completes —
		// here we just report that a relaunch is required.
		return false, nil
	default:
		return false, runtimeerr.New(runtimeerr.KindInvalidState, "launch", false,
			fmt.Errorf("launch requires idle or live, got %s", sm.state))
	}
}

// CompleteLaunch moves launching → live and records the winning config,
// per §4.4 rule 1.
func (sm *StateMachine) CompleteLaunch(cfg SessionConfig) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != StateLaunching {
		return runtimeerr.New(runtimeerr.KindInvalidState, "launch", false,
			fmt.Errorf("completeLaunch requires launching, got %s", sm.state))
	}
	sm.state = StateLive
	cp := cfg
	sm.currentCfg = &cp
	return nil
}

// FailLaunch moves launching → error, recording failedFrom (§4.4's error
// branch).
func (sm *StateMachine) FailLaunch(cause error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.failedFrom = sm.state
	sm.state = StateError
	sm.lastErr = cause
}

// BeginEnd validates the live → draining edge (§4.4 rule 3).
func (sm *StateMachine) BeginEnd() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != StateLive {
		return runtimeerr.New(runtimeerr.KindInvalidState, "endSession", false,
			fmt.Errorf("endSession requires live, got %s", sm.state))
	}
	sm.state = StateDraining
	return nil
}

// CompleteEnd moves draining → closed.
func (sm *StateMachine) CompleteEnd() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = StateClosed
	sm.currentCfg = nil
}

// FailDraining moves draining → error (part of the error branch covering
// launching, live, or draining, §4.4).
func (sm *StateMachine) FailDraining(cause error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.failedFrom = sm.state
	sm.state = StateError
	sm.lastErr = cause
}

// Crash records a disconnect-without-explicit-end as a crash from live,
// moving to error with failedFrom=live (§4.4 "Disconnect from live").
func (sm *StateMachine) Crash(cause error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.failedFrom = StateLive
	sm.state = StateError
	sm.lastErr = cause
}

// Recover implements error → idle. Returns the state the session failed
// from so the caller knows whether a forceClose is required first
// (failedFrom ∈ {live, draining}, §4.4 rule 4).
func (sm *StateMachine) Recover() (failedFrom State, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != StateError {
		return "", runtimeerr.New(runtimeerr.KindInvalidState, "recover", false,
			fmt.Errorf("recover requires error, got %s", sm.state))
	}
	failedFrom = sm.failedFrom
	sm.state = StateIdle
	sm.currentCfg = nil
	sm.lastErr = nil
	sm.failedFrom = ""
	return failedFrom, nil
}

// Terminate implements error → closed (calling forceClose is the caller's
// responsibility, per §4.4 rule 4).
func (sm *StateMachine) Terminate() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != StateError {
		return runtimeerr.New(runtimeerr.KindInvalidState, "terminate", false,
			fmt.Errorf("terminate requires error, got %s", sm.state))
	}
	sm.state = StateClosed
	sm.currentCfg = nil
	return nil
}

// RestartFromClosed implements closed → idle.
func (sm *StateMachine) RestartFromClosed() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != StateClosed {
		return runtimeerr.New(runtimeerr.KindInvalidState, "restart", false,
			fmt.Errorf("restart requires closed, got %s", sm.state))
	}
	sm.state = StateIdle
	return nil
}

// ForceIdle resets the machine unconditionally to idle, clearing the
// config, last error and failedFrom.
func (sm *StateMachine) ForceIdle() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = StateIdle
	sm.currentCfg = nil
	sm.lastErr = nil
	sm.failedFrom = ""
}

// ForceClosed is used by shutdown and by recover's "failedFrom live or
// draining" path: it moves straight to closed regardless of current state,
// after the caller has already force-killed the browser process.
func (sm *StateMachine) ForceClosed() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = StateClosed
	sm.currentCfg = nil
}

// LastError returns the error recorded by the most recent FailLaunch/
// FailDraining/Crash call. Only Recover and ForceIdle clear it, so it can
// still be set after Terminate or ForceClosed has left the error state.
func (sm *StateMachine) LastError() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastErr
}

// FailedFrom reports which state preceded the current error state.
func (sm *StateMachine) FailedFrom() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.failedFrom
}
