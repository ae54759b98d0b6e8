package models

import (
	"errors"
	"time"
)

// Kind identifies the payload carried by a transfer connection.
type Kind string

const (
	KindFile Kind = "file"
	KindText Kind = "text"
)

// TextFilename is the filename advertised for text payloads.
const TextFilename = "Text Message"

// TransferHeader is the JSON header that opens every transfer connection.
type TransferHeader struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	Kind      Kind   `json:"type"`
	GroupID   string `json:"group_id,omitempty"`
	GroupSize int64  `json:"group_size,omitempty"`
}

// Batched reports whether the header carries both group fields.
func (h TransferHeader) Batched() bool {
	return h.GroupID != "" && h.GroupSize > 0
}

// Validate checks the header fields that do not depend on the receiver's state.
func (h TransferHeader) Validate() error {
	if h.Size < 0 {
		return errors.New("negative size")
	}
	if h.GroupSize < 0 {
		return errors.New("negative group size")
	}
	switch h.Kind {
	case KindFile, KindText:
	default:
		return errors.New("unknown transfer type " + string(h.Kind))
	}
	if h.Kind == KindFile && h.Filename == "" {
		return errors.New("missing filename")
	}
	return nil
}

// Direction of a transfer relative to this host.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Progress modes reported to progress sinks.
const (
	ModeReceiving      = "Receiving"
	ModeReceivingBatch = "Receiving Batch"
	ModeSending        = "Sending"
	ModeSendingBatch   = "Sending Batch"
)

// Progress is one progress observation for an active transfer.
// Speed is in bytes per second.
type Progress struct {
	Name    string
	Current int64
	Total   int64
	Mode    string
	Speed   float64
	ETA     time.Duration
}

// Fraction returns Current/Total in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	f := float64(p.Current) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}

// Outcome is the terminal state of one transfer.
type Outcome string

const (
	OutcomeComplete  Outcome = "complete"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// TransferResult is reported once when a transfer reaches a terminal state.
type TransferResult struct {
	Name      string
	Peer      string
	Kind      Kind
	Direction Direction
	Outcome   Outcome
	Stage     string
	Bytes     int64
	Path      string
	Err       string
}
