package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

// Worker is the singleton record describing this agent
type Worker struct {
	ID                  uuid.UUID `db:"id" json:"id"`
	DisplayName         string    `db:"display_name" json:"display_name"`
	LocalWorkCapacity   float64   `db:"local_work_capacity" json:"local_work_capacity"`
	ClusterWorkCapacity float64   `db:"cluster_work_capacity" json:"cluster_work_capacity"`
	IsAcceptingJobs     bool      `db:"is_accepting_jobs" json:"is_accepting_jobs"`
	IsClusterProxy      bool      `db:"is_cluster_proxy" json:"is_cluster_proxy"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
	DeletedAt           null.Time `db:"deleted_at" json:"deleted_at"`
}

// WorkerInput carries a partial update. Only the fields that are set are applied.
type WorkerInput struct {
	DisplayName         null.String `json:"display_name"`
	LocalWorkCapacity   null.Float  `json:"local_work_capacity"`
	ClusterWorkCapacity null.Float  `json:"cluster_work_capacity"`
	IsAcceptingJobs     null.Bool   `json:"is_accepting_jobs"`
	IsClusterProxy      null.Bool   `json:"is_cluster_proxy"`
}

// Apply merges the input into the worker
func (in WorkerInput) Apply(w *Worker) {
	if in.DisplayName.Valid && in.DisplayName.String != "" {
		w.DisplayName = in.DisplayName.String
	}
	if in.LocalWorkCapacity.Valid {
		w.LocalWorkCapacity = in.LocalWorkCapacity.Float64
	}
	if in.ClusterWorkCapacity.Valid {
		w.ClusterWorkCapacity = in.ClusterWorkCapacity.Float64
	}
	if in.IsAcceptingJobs.Valid {
		w.IsAcceptingJobs = in.IsAcceptingJobs.Bool
	}
	if in.IsClusterProxy.Valid {
		w.IsClusterProxy = in.IsClusterProxy.Bool
	}
}
