package api

import (
	"context"

	"github.com/danielbech/machi-os-sub000/board"
)

// Sessions provides per-scope engine sessions to the handlers.
type Sessions interface {
	Session(ctx context.Context, scopeID string) (*board.Session, error)
}
