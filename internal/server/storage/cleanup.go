package storage

import (
	"context"
	"log/slog"
	"time"

	"sealdrop/internal/server/chunk"
	"sealdrop/internal/server/store"
)

// CleanupService periodically sweeps transfers whose expiry has passed
// and discards abandoned chunk sets. Expiry is still enforced lazily on
// every access; the sweep only reclaims disk space early and is not a
// correctness requirement.
type CleanupService struct {
	transfers store.TransferStore
	blobs     BlobStore
	chunks    *chunk.Assembler
	interval  time.Duration
	chunkTTL  time.Duration
	done      chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(transfers store.TransferStore, blobs BlobStore, chunks *chunk.Assembler, interval, chunkTTL time.Duration) *CleanupService {
	return &CleanupService{
		transfers: transfers,
		blobs:     blobs,
		chunks:    chunks,
		interval:  interval,
		chunkTTL:  chunkTTL,
		done:      make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval, "chunk_ttl", cs.chunkTTL)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.runCleanup(ctx)

		for {
			select {
			case <-ticker.C:
				cs.runCleanup(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) runCleanup(ctx context.Context) {
	cs.sweepExpired(ctx)
	cs.sweepStaleChunks()
}

// sweepExpired transitions lapsed transfers to expired and deletes
// their ciphertext blobs. Records stay behind so metadata queries keep
// answering Expired instead of NotFound.
func (cs *CleanupService) sweepExpired(ctx context.Context) {
	expired, err := cs.transfers.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("failed to list expired transfers", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	var cleaned, failed int
	for _, t := range expired {
		if err := cs.blobs.Delete(t.ID); err != nil {
			slog.Error("failed to delete artifact",
				"transfer_id", t.ID,
				"error", err,
			)
			failed++
			continue
		}

		t.Status = store.StatusExpired
		if err := cs.transfers.Update(ctx, t); err != nil {
			slog.Error("failed to mark transfer expired",
				"transfer_id", t.ID,
				"error", err,
			)
			failed++
			continue
		}

		cleaned++
		slog.Info("cleaned up expired transfer",
			"transfer_id", t.ID,
			"expired_at", t.ExpiresAt,
		)
	}

	slog.Info("expiry sweep complete",
		"cleaned", cleaned,
		"failed", failed,
		"total_expired", len(expired),
	)
}

// sweepStaleChunks garbage-collects chunk sets abandoned mid-upload.
func (cs *CleanupService) sweepStaleChunks() {
	cutoff := time.Now().Add(-cs.chunkTTL)
	for _, id := range cs.chunks.Stale(cutoff) {
		if err := cs.chunks.Discard(id); err != nil {
			continue
		}
		slog.Info("discarded stale chunk set", "transfer_id", id)
	}
}
