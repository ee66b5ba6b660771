package migrations

import "embed"

// Local holds the schema of the worker's own execution store, applied in filename order.
//
//go:embed local/*.sql
var Local embed.FS

// Remote holds the schema of the coordinator's durable copy of task executions.
//
//go:embed remote/*.sql
var Remote embed.FS
