// Package events defines the per-stage pipeline event schema. Downstream
// monitoring depends on the field names; sinks are pluggable.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"delta-neutral-bot/internal/domain"
)

type Stage string

const (
	StageCycleStart      Stage = "cycle_start"
	StageFundingSnapshot Stage = "funding_snapshot"
	StageAssignment      Stage = "assignment"
	StageSizing          Stage = "sizing"
	StageRiskCheck       Stage = "risk_check"
	StageExecutionOpen   Stage = "execution_open"
	StageRollback        Stage = "rollback"
	StageHold            Stage = "hold"
	StageClose           Stage = "close"
	StageCycleComplete   Stage = "cycle_complete"
	StageReconciliation  Stage = "reconciliation"
	StageKillSwitch      Stage = "kill_switch"
	StageEscalation      Stage = "escalation"
)

type Event struct {
	Timestamp time.Time      `json:"ts"`
	Stage     Stage          `json:"stage"`
	CycleID   string         `json:"cycle_id,omitempty"`
	Token     string         `json:"token,omitempty"`
	Venues    []domain.Venue `json:"venues,omitempty"`
	Values    map[string]any `json:"values,omitempty"`
}

// Emitter receives pipeline events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// New builds an event stamped with the current time.
func New(stage Stage, cycleID, token string, values map[string]any, venues ...domain.Venue) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Stage:     stage,
		CycleID:   cycleID,
		Token:     token,
		Venues:    venues,
		Values:    values,
	}
}

// LogEmitter writes events as structured zerolog lines.
type LogEmitter struct {
	log zerolog.Logger
}

func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log.With().Str("component", "events").Logger()}
}

func (e *LogEmitter) Emit(ev Event) {
	level := zerolog.InfoLevel
	switch ev.Stage {
	case StageRollback, StageKillSwitch:
		level = zerolog.WarnLevel
	case StageEscalation:
		level = zerolog.ErrorLevel
	}

	l := e.log.WithLevel(level).
		Time("event_ts", ev.Timestamp).
		Str("stage", string(ev.Stage)).
		Str("cycle_id", ev.CycleID).
		Str("token", ev.Token)
	if len(ev.Venues) > 0 {
		venues := make([]string, len(ev.Venues))
		for i, v := range ev.Venues {
			venues[i] = string(v)
		}
		l = l.Strs("venues", venues)
	}
	if len(ev.Values) > 0 {
		l = l.Fields(ev.Values)
	}
	l.Msg("pipeline event")
}

// Multi fans an event out to several emitters.
type Multi []Emitter

func (m Multi) Emit(ev Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ev)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Stages returns the recorded stages in order, optionally filtered by cycle.
func (r *Recorder) Stages(cycleID string) []Stage {
	var out []Stage
	for _, ev := range r.Events() {
		if cycleID == "" || ev.CycleID == cycleID {
			out = append(out, ev.Stage)
		}
	}
	return out
}
