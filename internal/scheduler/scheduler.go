// Package scheduler runs the job control loop of one workflow: it owns the
// task pool, submits and polls jobs through the executor registry, applies
// task messages and administrative commands, and checkpoints to the store.
package scheduler

import (
	"context"

	"github.com/me/gocycle/pkg/model"
)

// Scheduler drives a workflow until it completes, stops or aborts.
type Scheduler interface {
	// Start runs the scheduling loop. It blocks until the workflow
	// finishes, Stop is called or ctx is cancelled.
	Start(ctx context.Context) error

	// Stop shuts the loop down after the current tick.
	Stop() error

	// Tick runs a single scheduling iteration. Used for testing.
	Tick(ctx context.Context) error

	// Do queues an administrative command and waits for its result.
	Do(ctx context.Context, cmd Command) (*Result, error)

	// Message queues a message reported by a running job.
	Message(ctx context.Context, msg model.TaskMessage) error
}
