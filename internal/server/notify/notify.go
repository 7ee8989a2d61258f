// Package notify provides best-effort progress reporting for pipeline
// stages. Publishing is fire-and-forget: a missing subscriber or a full
// channel drops the event, and store/retrieve correctness never depends
// on delivery.
package notify

import (
	"sync"
	"time"
)

// Stage names a pipeline step a progress event refers to.
type Stage string

const (
	StageReceiving     Stage = "receiving"
	StageCompressing   Stage = "compressing"
	StageEncrypting    Stage = "encrypting"
	StageStoring       Stage = "storing"
	StageVerifying     Stage = "verifying"
	StageDecrypting    Stage = "decrypting"
	StageDecompressing Stage = "decompressing"
	StageComplete      Stage = "complete"
	StageFailed        Stage = "failed"
)

// Event is one progress notification for a transfer.
type Event struct {
	TransferID string    `json:"transfer_id"`
	Stage      Stage     `json:"stage"`
	Bytes      int64     `json:"bytes,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const subscriberBuffer = 16

// Broadcaster fans events out to per-transfer subscribers.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan Event]struct{})}
}

// Publish delivers an event to every subscriber of its transfer id.
// Slow subscribers lose events rather than blocking the pipeline.
func (b *Broadcaster) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs[e.TransferID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers interest in one transfer's events. The returned
// cancel func must be called to release the subscription.
func (b *Broadcaster) Subscribe(transferID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[transferID] == nil {
		b.subs[transferID] = make(map[chan Event]struct{})
	}
	b.subs[transferID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[transferID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, transferID)
			}
		}
	}
	return ch, cancel
}
