// Package store provides the step journal: an append-only audit record of
// agent session steps.
package store

import (
	"context"
	"time"

	"github.com/ashureev/autoshell/internal/domain"
)

// StepRecord is one journaled session step.
type StepRecord struct {
	SessionID string              `json:"session_id"`
	Iteration int                 `json:"iteration"`
	Action    string              `json:"action"`
	Result    domain.ActionResult `json:"result"`
	Status    string              `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
}

// SessionRecord is the last journaled snapshot of a session.
type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	Task         string    `json:"task"`
	Mode         string    `json:"mode"`
	Status       string    `json:"status"`
	Iteration    int       `json:"iteration"`
	FinalMessage string    `json:"final_message"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Journal defines the interface for recording session steps.
type Journal interface {
	// SaveSession creates or updates the session snapshot.
	SaveSession(ctx context.Context, session *domain.AgentSession) error

	// RecordStep appends one step to the journal.
	RecordStep(ctx context.Context, step StepRecord) error

	// Session returns the snapshot of a session, or nil if none was recorded.
	Session(ctx context.Context, sessionID string) (*SessionRecord, error)

	// Steps returns the recorded steps of a session in order.
	Steps(ctx context.Context, sessionID string) ([]StepRecord, error)

	// DeleteSession removes a session and its steps.
	DeleteSession(ctx context.Context, sessionID string) error

	// Cleanup removes sessions not updated within olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Noop is a Journal that records nothing.
type Noop struct{}

var _ Journal = Noop{}

func (Noop) SaveSession(context.Context, *domain.AgentSession) error { return nil }
func (Noop) RecordStep(context.Context, StepRecord) error            { return nil }
func (Noop) Session(context.Context, string) (*SessionRecord, error) { return nil, nil }
func (Noop) Steps(context.Context, string) ([]StepRecord, error)     { return nil, nil }
func (Noop) DeleteSession(context.Context, string) error             { return nil }
func (Noop) Cleanup(context.Context, time.Duration) (int64, error)   { return 0, nil }
func (Noop) Ping(context.Context) error                              { return nil }
func (Noop) Close() error                                            { return nil }
