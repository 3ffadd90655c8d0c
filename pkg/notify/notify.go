// Package notify abstracts the chat-platform collaborator. The ledger
// and benefit components receive a Notifier by injection; nothing in
// this module reaches for a process-wide messaging client.
package notify

import "context"

// Choice is one inline option presented to a user.
type Choice struct {
	// Label is the visible button text.
	Label string
	// Data is the opaque callback payload returned when pressed.
	Data string
}

// Notifier sends courtesy messages to users. Implementations talk to
// the chat platform; failures here must never abort a financial
// transaction, so callers log and continue.
type Notifier interface {
	// SendMessage delivers a plain text message to a user.
	SendMessage(ctx context.Context, userID, text string) error

	// SendChoice presents inline choice buttons to a user.
	SendChoice(ctx context.Context, userID, text string, choices []Choice) error

	// AnswerCallback acknowledges a pressed button.
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Noop is a Notifier that discards everything.
type Noop struct{}

func (Noop) SendMessage(ctx context.Context, userID, text string) error { return nil }

func (Noop) SendChoice(ctx context.Context, userID, text string, choices []Choice) error {
	return nil
}

func (Noop) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }
