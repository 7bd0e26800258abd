package llm

import (
	"context"

	"github.com/curaline/telecare/internal/models"
)

// SummaryRequest carries the provider notes plus the session metadata the
// summary should be grounded on.
type SummaryRequest struct {
	Notes           string
	ParticipantName string
	CallKind        models.CallKind
}

// Summarizer condenses consultation notes. Best effort: a failure never
// blocks completion of the session record.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
	Close() error
}
