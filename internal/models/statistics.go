package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// TaskStatistics holds running performance aggregates for one task definition. Memory is in MB
// and duration in seconds. High/low are ±Inf until the first successful sample. Each metric keeps
// its own sample count since a completed execution may lack a cpu or memory reading.
type TaskStatistics struct {
	ID              uuid.UUID `db:"id" json:"id"`
	TaskID          uuid.UUID `db:"task_id" json:"task_id"`
	NumExecute      int64     `db:"num_execute" json:"num_execute"`
	NumComplete     int64     `db:"num_complete" json:"num_complete"`
	NumError        int64     `db:"num_error" json:"num_error"`
	NumCancel       int64     `db:"num_cancel" json:"num_cancel"`
	CPUSamples      int64     `db:"cpu_samples" json:"cpu_samples"`
	MemorySamples   int64     `db:"memory_samples" json:"memory_samples"`
	DurationSamples int64     `db:"duration_samples" json:"duration_samples"`
	CPUAverage      float64   `db:"cpu_average" json:"cpu_average"`
	CPUHigh         float64   `db:"cpu_high" json:"cpu_high"`
	CPULow          float64   `db:"cpu_low" json:"cpu_low"`
	MemoryAverage   float64   `db:"memory_average" json:"memory_average"`
	MemoryHigh      float64   `db:"memory_high" json:"memory_high"`
	MemoryLow       float64   `db:"memory_low" json:"memory_low"`
	DurationAverage float64   `db:"duration_average" json:"duration_average"`
	DurationHigh    float64   `db:"duration_high" json:"duration_high"`
	DurationLow     float64   `db:"duration_low" json:"duration_low"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// NewTaskStatistics creates an empty aggregate for a task definition
func NewTaskStatistics(taskID uuid.UUID) *TaskStatistics {
	s := &TaskStatistics{ID: uuid.New(), TaskID: taskID}
	s.Reset()
	return s
}

// Reset clears counters to zero and min/max to ±Inf
func (s *TaskStatistics) Reset() {
	s.NumExecute, s.NumComplete, s.NumError, s.NumCancel = 0, 0, 0, 0
	s.CPUSamples, s.MemorySamples, s.DurationSamples = 0, 0, 0
	s.CPUAverage, s.MemoryAverage, s.DurationAverage = 0, 0, 0
	s.CPUHigh, s.MemoryHigh, s.DurationHigh = math.Inf(-1), math.Inf(-1), math.Inf(-1)
	s.CPULow, s.MemoryLow, s.DurationLow = math.Inf(1), math.Inf(1), math.Inf(1)
}

// MarshalJSON renders infinite bounds as null since JSON has no representation for them
func (s TaskStatistics) MarshalJSON() ([]byte, error) {
	type plain TaskStatistics
	return json.Marshal(struct {
		plain
		CPUHigh      *float64 `json:"cpu_high"`
		CPULow       *float64 `json:"cpu_low"`
		MemoryHigh   *float64 `json:"memory_high"`
		MemoryLow    *float64 `json:"memory_low"`
		DurationHigh *float64 `json:"duration_high"`
		DurationLow  *float64 `json:"duration_low"`
	}{
		plain:        plain(s),
		CPUHigh:      finite(s.CPUHigh),
		CPULow:       finite(s.CPULow),
		MemoryHigh:   finite(s.MemoryHigh),
		MemoryLow:    finite(s.MemoryLow),
		DurationHigh: finite(s.DurationHigh),
		DurationLow:  finite(s.DurationLow),
	})
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}
