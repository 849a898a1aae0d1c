package executor

import (
	"context"
)

// Request describes one agent session to run.
type Request struct {
	Prompt       string
	SystemPrompt string
	Model        string
	WorkDir      string
}

// Stream yields decoded events in the order the executor emitted them.
// Next returns io.EOF after the final event. Close releases the underlying
// process; it is safe to call more than once.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Executor starts agent sessions. Implementations must respect ctx
// cancellation: a cancelled context terminates the underlying process and
// surfaces ctx.Err() from Next.
type Executor interface {
	Start(ctx context.Context, req Request) (Stream, error)
}
