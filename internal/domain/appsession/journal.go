package appsession

import (
	"context"

	"github.com/google/uuid"
)

//go:generate mockgen -source=journal.go -destination=mocks/mock_journal.go -package=mocks

// Journal persists session snapshots so open and unresolved sessions
// survive a restart.
type Journal interface {
	Save(ctx context.Context, session *Session) error
	Get(ctx context.Context, ref uuid.UUID) (*Session, error)
	ListUnresolved(ctx context.Context) ([]*Session, error)
}
