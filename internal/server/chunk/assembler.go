// Package chunk implements ordered reassembly of resumable uploads.
// Chunks for one in-progress transfer may arrive out of order or be
// retried; the assembler tracks them by index and merges them in index
// order once the declared count has arrived.
package chunk

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidIndex    = errors.New("chunk index out of range")
	ErrInvalidTotal    = errors.New("total chunk count must be at least 1")
	ErrTotalMismatch   = errors.New("total chunk count differs from earlier chunks")
	ErrEmptyChunk      = errors.New("chunk data is empty")
	ErrUnknownTransfer = errors.New("no chunk set for transfer")
)

// Progress reports the state of a chunk set after an Accept call.
// When Complete is true, Merged holds the full payload in index order
// and the chunk set has been discarded.
type Progress struct {
	Received int
	Total    int
	Complete bool
	Merged   []byte
}

// Fraction returns received/total as a float in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Received) / float64(p.Total)
}

type chunkSet struct {
	mu       sync.Mutex
	total    int
	parts    map[int][]byte
	touched  time.Time
	consumed bool
}

// Assembler holds the in-progress chunk sets, keyed by transfer id.
type Assembler struct {
	mu   sync.Mutex
	sets map[string]*chunkSet
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{sets: make(map[string]*chunkSet)}
}

// Accept records one chunk for a transfer. Duplicate indexes (network
// retries) overwrite the earlier copy and do not advance progress. When
// the final chunk arrives, the chunks are concatenated in index order,
// the set is removed, and the merged payload is returned; concurrent
// deliveries of the final chunk observe completion exactly once.
func (a *Assembler) Accept(transferID string, index, total int, data []byte) (Progress, error) {
	if total < 1 {
		return Progress{}, fmt.Errorf("%w: got %d", ErrInvalidTotal, total)
	}
	if index < 0 || index >= total {
		return Progress{}, fmt.Errorf("%w: index %d with %d chunks", ErrInvalidIndex, index, total)
	}
	if len(data) == 0 {
		return Progress{}, ErrEmptyChunk
	}

	set := a.lockSet(transferID, total)
	defer set.mu.Unlock()

	if set.total != total {
		return Progress{}, fmt.Errorf("%w: got %d, expected %d", ErrTotalMismatch, total, set.total)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	set.parts[index] = buf
	set.touched = time.Now()

	received := len(set.parts)
	if received < total {
		return Progress{Received: received, Total: total}, nil
	}

	// All chunks present: merge in index order and clear the entry
	// before the lock is released so a racing duplicate of the final
	// chunk cannot observe completion twice.
	var size int
	for i := 0; i < total; i++ {
		size += len(set.parts[i])
	}
	merged := make([]byte, 0, size)
	for i := 0; i < total; i++ {
		merged = append(merged, set.parts[i]...)
	}
	set.parts = nil
	set.consumed = true

	a.mu.Lock()
	delete(a.sets, transferID)
	a.mu.Unlock()

	return Progress{Received: received, Total: total, Complete: true, Merged: merged}, nil
}

// Pending reports whether a chunk set exists for the transfer.
func (a *Assembler) Pending(transferID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sets[transferID]
	return ok
}

// Discard drops the chunk set for a transfer, releasing its buffers.
func (a *Assembler) Discard(transferID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sets[transferID]; !ok {
		return ErrUnknownTransfer
	}
	delete(a.sets, transferID)
	return nil
}

// Stale returns the ids of chunk sets not touched since the cutoff.
// Abandoned sets are garbage-collected by the cleanup sweeper.
func (a *Assembler) Stale(olderThan time.Time) []string {
	type candidate struct {
		id  string
		set *chunkSet
	}

	a.mu.Lock()
	candidates := make([]candidate, 0, len(a.sets))
	for id, set := range a.sets {
		candidates = append(candidates, candidate{id, set})
	}
	a.mu.Unlock()

	// Per-set locks are taken without the table lock held, so a merge
	// finishing concurrently cannot deadlock against this sweep.
	var ids []string
	for _, c := range candidates {
		c.set.mu.Lock()
		stale := !c.set.consumed && c.set.touched.Before(olderThan)
		c.set.mu.Unlock()
		if stale {
			ids = append(ids, c.id)
		}
	}
	return ids
}

// lockSet returns the chunk set for a transfer with its mutex held.
// A set consumed while this call waited on the lock was already merged
// and removed; the retry then starts a fresh set instead of
// resurrecting the old one.
func (a *Assembler) lockSet(transferID string, total int) *chunkSet {
	for {
		set := a.setFor(transferID, total)
		set.mu.Lock()
		if !set.consumed {
			return set
		}
		set.mu.Unlock()
	}
}

func (a *Assembler) setFor(transferID string, total int) *chunkSet {
	a.mu.Lock()
	defer a.mu.Unlock()

	set, ok := a.sets[transferID]
	if !ok {
		set = &chunkSet{total: total, parts: make(map[int][]byte), touched: time.Now()}
		a.sets[transferID] = set
	}
	return set
}
