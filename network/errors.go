package network

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"lanshare/models"
)

var (
	// ErrProtocol marks a malformed frame, header or reply.
	ErrProtocol = errors.New("protocol error")
	// ErrRejected marks a transfer the receiving user declined.
	ErrRejected = errors.New("rejected by peer")
	// ErrCancelled marks a transfer stopped by the local user.
	ErrCancelled = errors.New("transfer cancelled")
	// ErrTraversal marks a filename that escapes the receive directory.
	ErrTraversal = errors.New("path traversal rejected")
)

// Stage names the protocol step a transfer failed in.
type Stage string

const (
	StageConnect Stage = "connect"
	StageHeader  Stage = "header"
	StageConfirm Stage = "confirm"
	StageOpen    Stage = "open"
	StageOffset  Stage = "offset"
	StageStream  Stage = "stream"
)

// TransferError carries the filename and stage of a failed transfer.
// Errors that do not wrap one of the sentinels are I/O failures.
type TransferError struct {
	Name  string
	Stage Stage
	Err   error
}

func (e *TransferError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Name, e.Stage, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func transferError(name string, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &TransferError{Name: name, Stage: stage, Err: err}
}

func protocolError(err error) error {
	return errors.Wrap(ErrProtocol, err.Error())
}

// Classify maps err to the outcome reported to status sinks.
func Classify(err error) models.Outcome {
	switch {
	case err == nil:
		return models.OutcomeComplete
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return models.OutcomeCancelled
	case errors.Is(err, ErrRejected):
		return models.OutcomeRejected
	default:
		return models.OutcomeFailed
	}
}

// StageOf returns the stage recorded in err, if any.
func StageOf(err error) Stage {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Stage
	}
	return ""
}
