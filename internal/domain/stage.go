package domain

import (
	"fmt"
	"time"
)

// StageCount is the number of steps in an outreach sequence
const StageCount = 7

// Stages lists the symbolic stage names in firing order; Stages[i] is step i+1.
var Stages = [StageCount]string{
	"initial_contact",
	"follow_up",
	"value_proposition",
	"social_proof",
	"check_in",
	"last_chance",
	"breakup",
}

// StageName returns the symbolic name for a 1-based step
func StageName(step int) string {
	if step < 1 || step > StageCount {
		return ""
	}
	return Stages[step-1]
}

// StepOf returns the 1-based step for a stage name, or 0 if unknown
func StepOf(stage string) int {
	for i, s := range Stages {
		if s == stage {
			return i + 1
		}
	}
	return 0
}

// StageEntry is one scheduled stage embedded in an outreach job
type StageEntry struct {
	Step        int        `json:"step"`
	Stage       string     `json:"stage"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Status      string     `json:"status"`
	MessageID   string     `json:"message_id,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StageUpdate mirrors a send outcome into an outreach job's schedule
type StageUpdate struct {
	Step      int
	Status    string
	SentAt    *time.Time
	MessageID string
	Error     string

	// NextStep, when non-zero, gets its ScheduledAt moved to NextScheduledAt
	NextStep        int
	NextScheduledAt time.Time
}

// Delay units accepted in a timing table
const (
	UnitMinutes = "minutes"
	UnitHours   = "hours"
	UnitDays    = "days"
)

// StageDelay is one row of an account's timing table: how long to wait before the stage fires
type StageDelay struct {
	Stage string `yaml:"stage" json:"stage"`
	Delay int    `yaml:"delay" json:"delay"`
	Unit  string `yaml:"unit" json:"unit"`
}

// Duration converts the row to a time.Duration
func (d StageDelay) Duration() (time.Duration, error) {
	if d.Delay < 0 {
		return 0, fmt.Errorf("negative delay for stage %s", d.Stage)
	}
	switch d.Unit {
	case UnitMinutes:
		return time.Duration(d.Delay) * time.Minute, nil
	case UnitHours:
		return time.Duration(d.Delay) * time.Hour, nil
	case UnitDays, "":
		return time.Duration(d.Delay) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown delay unit %q for stage %s", d.Unit, d.Stage)
}

// Timing is an immutable per-account stage delay table, resolved once per lead
type Timing struct {
	delays   [StageCount]time.Duration
	fallback time.Duration
}

// NewTiming resolves a timing table. Stages without an entry use fallback.
func NewTiming(rows []StageDelay, fallback time.Duration) (Timing, error) {
	t := Timing{fallback: fallback}
	set := [StageCount]bool{}
	for _, row := range rows {
		step := StepOf(row.Stage)
		if step == 0 {
			return Timing{}, fmt.Errorf("unknown stage %q in timing table", row.Stage)
		}
		d, err := row.Duration()
		if err != nil {
			return Timing{}, err
		}
		t.delays[step-1] = d
		set[step-1] = true
	}
	for i := range t.delays {
		if !set[i] {
			t.delays[i] = fallback
		}
	}
	return t, nil
}

// Delay returns the wait before the given step fires, measured from the previous send
// (or from the sequence start for the first step sent).
func (t Timing) Delay(step int) time.Duration {
	if step < 1 || step > StageCount {
		return t.fallback
	}
	return t.delays[step-1]
}

// BuildSchedule returns the full 7-entry schedule for a sequence starting at startStep.
// Steps before startStep are kept in the schedule with the start time so the entry list is
// always complete; they are never sent.
func BuildSchedule(start time.Time, startStep int, timing Timing) []StageEntry {
	stages := make([]StageEntry, 0, StageCount)
	at := start
	for step := 1; step <= StageCount; step++ {
		if step > startStep {
			at = at.Add(timing.Delay(step))
		}
		stages = append(stages, StageEntry{
			Step:        step,
			Stage:       StageName(step),
			ScheduledAt: at,
			Status:      StageStatusPending,
		})
	}
	return stages
}
