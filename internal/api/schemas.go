package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"pipelineworker/internal/models"
	"pipelineworker/internal/supervisor"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// StartTaskRequest is the coordinator's start payload
type StartTaskRequest struct {
	supervisor.StartRequest
}

func (c *StartTaskRequest) validate() error {
	var errs []error

	if c.TaskDefinitionID == uuid.Nil {
		errs = append(errs, errors.New("task_definition_id is empty"))
	}

	c.ResolvedScript = strings.TrimSpace(c.ResolvedScript)
	if c.ResolvedScript == "" {
		errs = append(errs, errors.New("resolved_script is empty"))
	}

	if c.LocalWorkUnits < 0 {
		errs = append(errs, errors.New("local_work_units must be >= 0"))
	}
	if c.ClusterWorkUnits < 0 {
		errs = append(errs, errors.New("cluster_work_units must be >= 0"))
	}

	for i, arg := range c.ResolvedScriptArgs {
		if strings.ContainsRune(arg, 0) {
			errs = append(errs, fmt.Errorf("script argument %d contains a NUL byte", i+1))
		}
	}

	return errors.Join(errs...)
}

// ExecutionPage is an offset page of executions
type ExecutionPage struct {
	Offset     int                     `json:"offset"`
	Limit      int                     `json:"limit"`
	TotalCount int                     `json:"total_count"`
	Items      []*models.TaskExecution `json:"items"`
}

type ExecutionEdge struct {
	Cursor string                `json:"cursor"`
	Node   *models.TaskExecution `json:"node"`
}

type PageInfo struct {
	EndCursor   string `json:"end_cursor"`
	HasNextPage bool   `json:"has_next_page"`
}

// ExecutionConnection is a cursor page of executions
type ExecutionConnection struct {
	TotalCount int             `json:"total_count"`
	Edges      []ExecutionEdge `json:"edges"`
	PageInfo   PageInfo        `json:"page_info"`
}

type cursor struct {
	Offset int `json:"offset"`
}

// EncodeCursor renders the position of an item as an opaque cursor
func EncodeCursor(offset int) string {
	b, _ := json.Marshal(cursor{Offset: offset})
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeCursor returns the offset stored in a cursor
func DecodeCursor(s string) (int, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	if c.Offset < 0 {
		return 0, errors.New("invalid cursor: negative offset")
	}
	return c.Offset, nil
}

// RunningExecutions lists the running executions with the loads they account for
type RunningExecutions struct {
	LocalLoad   float64                 `json:"local_task_load"`
	ClusterLoad float64                 `json:"cluster_task_load"`
	Items       []*models.TaskExecution `json:"items"`
}

type RemoveResult struct {
	Completion string `json:"completion"`
	Removed    int64  `json:"removed"`
}

// WorkerRequest is a partial worker update
type WorkerRequest struct {
	models.WorkerInput
}

func (c *WorkerRequest) validate() error {
	var errs []error

	if c.LocalWorkCapacity.Valid && c.LocalWorkCapacity.Float64 < 0 {
		errs = append(errs, errors.New("local_work_capacity must be >= 0"))
	}
	if c.ClusterWorkCapacity.Valid && c.ClusterWorkCapacity.Float64 < 0 {
		errs = append(errs, errors.New("cluster_work_capacity must be >= 0"))
	}
	if c.DisplayName.Valid {
		c.DisplayName.String = strings.TrimSpace(c.DisplayName.String)
	}

	return errors.Join(errs...)
}
