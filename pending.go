package usbip

import (
	"fmt"
	"sync"
)

// pendingTable tracks in-flight submits: seqnum → raw endpoint address
// (number with the IN bit). Whoever removes an entry first — completion
// or unlink — owns the reply for it. The lock is never held across I/O.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint32]uint8
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[uint32]uint8),
	}
}

func (t *pendingTable) insert(seqnum uint32, endpoint uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[seqnum]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateSeqnum, seqnum)
	}
	t.entries[seqnum] = endpoint
	return nil
}

func (t *pendingTable) remove(seqnum uint32) (uint8, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	endpoint, exists := t.entries[seqnum]
	if exists {
		delete(t.entries, seqnum)
	}
	return endpoint, exists
}

func (t *pendingTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
