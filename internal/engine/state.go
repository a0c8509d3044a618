package engine

import (
	"sync"
	"time"

	"presenced/internal/model"
)

// Phase is the reconciliation loop's current step.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseResolving Phase = "resolving"
	PhaseComparing Phase = "comparing"
	PhaseApplying  Phase = "applying"
	// PhaseHalted means the loop stopped after the rule repository became
	// unreadable; it stays here until Resume.
	PhaseHalted Phase = "halted"
)

// State is the single process-wide engine state, owned by the Engine and
// shared with its Reconciler.
type State struct {
	mu                sync.RWMutex
	schedulingEnabled bool
	lastApplied       model.EmojiID
	hasLastApplied    bool
	phase             Phase
	fatal             error
	lastTick          time.Time
}

// Snapshot is a copy of State for status reporting.
type Snapshot struct {
	SchedulingEnabled bool
	LastApplied       model.EmojiID
	HasLastApplied    bool
	Phase             Phase
	Fatal             error
	LastTick          time.Time
}

func newState(enabled bool) *State {
	return &State{schedulingEnabled: enabled, phase: PhaseIdle}
}

func (s *State) SchedulingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedulingEnabled
}

func (s *State) setSchedulingEnabled(v bool) {
	s.mu.Lock()
	s.schedulingEnabled = v
	s.mu.Unlock()
}

// LastApplied is the cached value last believed pushed to the remote sink.
func (s *State) LastApplied() (model.EmojiID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied, s.hasLastApplied
}

func (s *State) setLastApplied(e model.EmojiID) {
	s.mu.Lock()
	s.lastApplied = e
	s.hasLastApplied = true
	s.mu.Unlock()
}

func (s *State) forgetLastApplied() {
	s.mu.Lock()
	s.lastApplied = ""
	s.hasLastApplied = false
	s.mu.Unlock()
}

func (s *State) setPhase(p Phase) {
	s.mu.Lock()
	if s.phase != PhaseHalted {
		s.phase = p
	}
	s.mu.Unlock()
}

func (s *State) halt(err error) {
	s.mu.Lock()
	s.phase = PhaseHalted
	s.fatal = err
	s.mu.Unlock()
}

func (s *State) resume() {
	s.mu.Lock()
	s.phase = PhaseIdle
	s.fatal = nil
	s.mu.Unlock()
}

func (s *State) halted() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase == PhaseHalted, s.fatal
}

func (s *State) touch(t time.Time) {
	s.mu.Lock()
	s.lastTick = t
	s.mu.Unlock()
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SchedulingEnabled: s.schedulingEnabled,
		LastApplied:       s.lastApplied,
		HasLastApplied:    s.hasLastApplied,
		Phase:             s.phase,
		Fatal:             s.fatal,
		LastTick:          s.lastTick,
	}
}
