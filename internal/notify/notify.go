// Package notify is the outbound notification port. Delivery is
// fire-and-forget: publishers may fail, callers log and move on, and a
// failed delivery never rolls back the workflow state that triggered
// it.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Notification types emitted by the workflow.
const (
	TypeFormSubmitted       = "form.submitted"
	TypeFormResubmitted     = "form.resubmitted"
	TypeFormReviewed        = "form.reviewed"
	TypeDefinitiveRejection = "form.definitively_rejected"
	TypeProposalSubmitted   = "proposal.submitted"
	TypeEvaluatorsAssigned  = "evaluators.assigned"
	TypeConsensusReached    = "proposal.review.completed"
	TypeProjectFinalized    = "project.finalized"
)

// Message is one outbound notification.
type Message struct {
	Type       string         `json:"type"`
	Recipients []string       `json:"recipients"`
	Context    map[string]any `json:"context,omitempty"`
}

// Publisher delivers messages to an external channel.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// LogPublisher writes notifications to the structured log. It is the
// default channel for local use and for tests.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, msg Message) error {
	p.Log.Info().
		Str("type", msg.Type).
		Strs("recipients", msg.Recipients).
		Interface("context", msg.Context).
		Msg("notification")
	return nil
}

// Fanout publishes to every wrapped publisher and returns the first
// error after trying all of them.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, msg Message) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
