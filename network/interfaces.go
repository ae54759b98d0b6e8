package network

import (
	"context"

	"lanshare/models"
)

// batchHint is appended to the confirmation display name of group members.
const batchHint = " (Part of a batch)"

// ConfirmRequest describes an inbound file awaiting a user decision.
type ConfirmRequest struct {
	Name      string
	Size      int64
	From      string
	GroupID   string
	GroupSize int64
}

// Batch reports whether the file is a member of a group send.
func (r ConfirmRequest) Batch() bool {
	return r.GroupID != "" && r.GroupSize > 0
}

// DisplayName is the name to show the user.
func (r ConfirmRequest) DisplayName() string {
	if r.Batch() {
		return r.Name + batchHint
	}
	return r.Name
}

// ConfirmationGate decides whether an inbound file is accepted. Implementations
// should return when ctx is done; the receiver treats that as a rejection.
type ConfirmationGate interface {
	Confirm(ctx context.Context, req ConfirmRequest) (bool, error)
}

// ConfirmFunc adapts a function to ConfirmationGate.
type ConfirmFunc func(ctx context.Context, req ConfirmRequest) (bool, error)

// Confirm calls f(ctx, req).
func (f ConfirmFunc) Confirm(ctx context.Context, req ConfirmRequest) (bool, error) {
	return f(ctx, req)
}

// AcceptAll accepts every request.
var AcceptAll ConfirmationGate = ConfirmFunc(func(context.Context, ConfirmRequest) (bool, error) {
	return true, nil
})

// RejectAll declines every request.
var RejectAll ConfirmationGate = ConfirmFunc(func(context.Context, ConfirmRequest) (bool, error) {
	return false, nil
})

// ProgressSink receives throttled progress for active transfers.
type ProgressSink interface {
	Progress(p models.Progress)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(p models.Progress)

// Progress calls f(p).
func (f ProgressFunc) Progress(p models.Progress) { f(p) }

// TextSink receives inbound text messages.
type TextSink interface {
	TextReceived(from, content string)
}

// TextFunc adapts a function to TextSink.
type TextFunc func(from, content string)

// TextReceived calls f(from, content).
func (f TextFunc) TextReceived(from, content string) { f(from, content) }

// StatusSink receives one result per finished transfer.
type StatusSink interface {
	TransferFinished(result models.TransferResult)
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(result models.TransferResult)

// TransferFinished calls f(result).
func (f StatusFunc) TransferFinished(result models.TransferResult) { f(result) }

type nopSinks struct{}

func (nopSinks) Progress(models.Progress) {}

func (nopSinks) TextReceived(string, string) {}

func (nopSinks) TransferFinished(models.TransferResult) {}
