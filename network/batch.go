package network

import (
	"sync"

	"lanshare/models"
)

// BatchState tracks aggregate receive progress for one group.
type BatchState struct {
	GroupID      string
	TotalSize    int64
	ReceivedBase int64
}

// BatchTracker holds the receiving side's group state: the single accepted
// group that skips confirmation, and the aggregate progress of the current
// group. Only one group can be accepted at a time.
type BatchTracker struct {
	mu            sync.Mutex
	acceptedGroup string
	state         *BatchState
}

// NewBatchTracker returns an empty tracker.
func NewBatchTracker() *BatchTracker {
	return &BatchTracker{}
}

// Admit reports whether header may skip confirmation. A header whose group
// differs from the accepted group clears it.
func (b *BatchTracker) Admit(header models.TransferHeader) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if header.GroupID != "" && header.GroupID == b.acceptedGroup {
		return true
	}
	if header.GroupID != b.acceptedGroup {
		b.acceptedGroup = ""
	}
	return false
}

// MarkAccepted records the user's acceptance of header's group.
func (b *BatchTracker) MarkAccepted(header models.TransferHeader) {
	if header.GroupID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acceptedGroup = header.GroupID
}

// AcceptedGroup returns the currently accepted group, or "".
func (b *BatchTracker) AcceptedGroup() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acceptedGroup
}

// Begin establishes the batch state for header's group, replacing state for
// any other group. It returns a copy of the state and false when header is
// not batched.
func (b *BatchTracker) Begin(header models.TransferHeader) (BatchState, bool) {
	if !header.Batched() {
		return BatchState{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == nil || b.state.GroupID != header.GroupID {
		b.state = &BatchState{GroupID: header.GroupID, TotalSize: header.GroupSize}
	}
	return *b.state, true
}

// Complete adds size to the received base of group after a member finished.
func (b *BatchTracker) Complete(groupID string, size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == nil || b.state.GroupID != groupID {
		return
	}
	b.state.ReceivedBase += size
	if b.state.ReceivedBase > b.state.TotalSize {
		b.state.ReceivedBase = b.state.TotalSize
	}
}

// State returns a copy of the current batch state.
func (b *BatchTracker) State() (BatchState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == nil {
		return BatchState{}, false
	}
	return *b.state, true
}
