package safety

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HaltState is a snapshot of the emergency switch. AutoResumeAt is only
// meaningful while Halted is true.
type HaltState struct {
	Halted       bool       `json:"halted"`
	HaltedBy     string     `json:"halted_by,omitempty"`
	HaltedAt     *time.Time `json:"halted_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	AutoResumeAt *time.Time `json:"auto_resume_at,omitempty"`
}

// Emergency is the global halt/resume switch. Auto-resume uses lazy read-time
// expiry: a halted read after the deadline both reports false and performs the
// resume transition exactly once. No background timer.
type Emergency struct {
	mu           sync.Mutex
	halted       bool
	haltedBy     string
	haltedAt     time.Time
	reason       string
	autoResumeAt *time.Time

	now func() time.Time
}

// NewEmergency creates the switch in the resumed state.
func NewEmergency() *Emergency {
	return &Emergency{now: time.Now}
}

// Halt stops all future round starts. autoResume of zero means manual resume
// only. In-flight work is not cancelled.
func (e *Emergency) Halt(by, reason string, autoResume time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.halted = true
	e.haltedBy = by
	e.haltedAt = e.now()
	e.reason = reason
	e.autoResumeAt = nil
	if autoResume > 0 {
		at := e.haltedAt.Add(autoResume)
		e.autoResumeAt = &at
	}

	event := log.Error().Str("halted_by", by).Str("reason", reason)
	if e.autoResumeAt != nil {
		event = event.Time("auto_resume_at", *e.autoResumeAt)
	}
	event.Msg("EMERGENCY HALT: trading stopped")
}

// Resume clears the halt.
func (e *Emergency) Resume(by string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.halted {
		return
	}
	e.clearLocked()
	log.Warn().Str("resumed_by", by).Msg("Emergency halt lifted, trading resumed")
}

// Halted reports whether trading is halted, applying auto-resume expiry as a
// side effect of the read.
func (e *Emergency) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireLocked()
	return e.halted
}

// State snapshots the switch, applying auto-resume expiry first.
func (e *Emergency) State() HaltState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expireLocked()

	state := HaltState{
		Halted:   e.halted,
		HaltedBy: e.haltedBy,
		Reason:   e.reason,
	}
	if e.halted {
		at := e.haltedAt
		state.HaltedAt = &at
		state.AutoResumeAt = e.autoResumeAt
	}
	return state
}

func (e *Emergency) expireLocked() {
	if e.halted && e.autoResumeAt != nil && !e.now().Before(*e.autoResumeAt) {
		e.clearLocked()
		log.Warn().Msg("Emergency halt auto-resumed after timeout")
	}
}

func (e *Emergency) clearLocked() {
	e.halted = false
	e.haltedBy = ""
	e.haltedAt = time.Time{}
	e.reason = ""
	e.autoResumeAt = nil
}
