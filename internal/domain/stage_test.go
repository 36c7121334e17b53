package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTiming(t *testing.T) {
	tests := []struct {
		name      string
		rows      []StageDelay
		step      int
		expected  time.Duration
		wantErr   bool
		errString string
	}{
		{
			name:     "configured minutes",
			rows:     []StageDelay{{Stage: "follow_up", Delay: 30, Unit: UnitMinutes}},
			step:     2,
			expected: 30 * time.Minute,
		},
		{
			name:     "configured hours",
			rows:     []StageDelay{{Stage: "value_proposition", Delay: 6, Unit: UnitHours}},
			step:     3,
			expected: 6 * time.Hour,
		},
		{
			name:     "configured days",
			rows:     []StageDelay{{Stage: "breakup", Delay: 2, Unit: UnitDays}},
			step:     7,
			expected: 48 * time.Hour,
		},
		{
			name:     "absent entry uses fallback",
			rows:     []StageDelay{{Stage: "follow_up", Delay: 1, Unit: UnitHours}},
			step:     4,
			expected: 72 * time.Hour,
		},
		{
			name:      "unknown stage",
			rows:      []StageDelay{{Stage: "nope", Delay: 1, Unit: UnitHours}},
			wantErr:   true,
			errString: "unknown stage",
		},
		{
			name:      "unknown unit",
			rows:      []StageDelay{{Stage: "follow_up", Delay: 1, Unit: "weeks"}},
			wantErr:   true,
			errString: "unknown delay unit",
		},
		{
			name:      "negative delay",
			rows:      []StageDelay{{Stage: "follow_up", Delay: -1, Unit: UnitHours}},
			wantErr:   true,
			errString: "negative delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timing, err := NewTiming(tt.rows, 72*time.Hour)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, timing.Delay(tt.step))
		})
	}
}

func TestBuildSchedule(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	timing, err := NewTiming([]StageDelay{
		{Stage: "follow_up", Delay: 2, Unit: UnitDays},
		{Stage: "value_proposition", Delay: 3, Unit: UnitDays},
	}, 24*time.Hour)
	require.NoError(t, err)

	t.Run("from first step", func(t *testing.T) {
		stages := BuildSchedule(start, 1, timing)
		require.Len(t, stages, StageCount)

		assert.Equal(t, start, stages[0].ScheduledAt)
		assert.Equal(t, start.Add(48*time.Hour), stages[1].ScheduledAt)
		assert.Equal(t, start.Add(120*time.Hour), stages[2].ScheduledAt)
		assert.Equal(t, start.Add(144*time.Hour), stages[3].ScheduledAt)

		for i, s := range stages {
			assert.Equal(t, i+1, s.Step)
			assert.Equal(t, Stages[i], s.Stage)
			assert.Equal(t, StageStatusPending, s.Status)
			if i > 0 {
				assert.True(t, s.ScheduledAt.After(stages[i-1].ScheduledAt))
			}
		}
	})

	t.Run("from a later step", func(t *testing.T) {
		stages := BuildSchedule(start, 3, timing)
		require.Len(t, stages, StageCount)

		assert.Equal(t, start, stages[0].ScheduledAt)
		assert.Equal(t, start, stages[2].ScheduledAt)
		assert.Equal(t, start.Add(24*time.Hour), stages[3].ScheduledAt)
	})
}

func TestStageNames(t *testing.T) {
	assert.Equal(t, "initial_contact", StageName(1))
	assert.Equal(t, "breakup", StageName(7))
	assert.Equal(t, "", StageName(0))
	assert.Equal(t, "", StageName(8))
	assert.Equal(t, 3, StepOf("value_proposition"))
	assert.Equal(t, 0, StepOf("unknown"))
}
