package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func activeTransfer(id string) *Transfer {
	return &Transfer{
		ID:                   id,
		OriginalFilename:     "report.pdf",
		MIMEType:             "application/pdf",
		OriginalSize:         1024,
		CompressedSize:       600,
		CompressionRatio:     0.586,
		CompressionAlgorithm: "gzip",
		CipherIV:             []byte("0123456789abcdef"),
		CipherSalt:           []byte("saltsaltsaltsaltsaltsaltsaltsalt"),
		Checksum:             "deadbeef",
		Status:               StatusActive,
		CreatedAt:            time.Now().UTC(),
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t.Run("get missing transfer", func(t *testing.T) {
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrTransferNotFound) {
			t.Errorf("expected ErrTransferNotFound, got %v", err)
		}
	})

	t.Run("create and get", func(t *testing.T) {
		if err := s.Create(ctx, activeTransfer("t1")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, err := s.Get(ctx, "t1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.OriginalFilename != "report.pdf" {
			t.Errorf("unexpected filename %q", got.OriginalFilename)
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		if err := s.Create(ctx, activeTransfer("t1")); !errors.Is(err, ErrDuplicateID) {
			t.Errorf("expected ErrDuplicateID, got %v", err)
		}
	})

	t.Run("update status", func(t *testing.T) {
		tr, _ := s.Get(ctx, "t1")
		tr.Status = StatusExpired
		if err := s.Update(ctx, tr); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, _ := s.Get(ctx, "t1")
		if got.Status != StatusExpired {
			t.Errorf("expected expired, got %s", got.Status)
		}
	})

	t.Run("update missing transfer", func(t *testing.T) {
		if err := s.Update(ctx, activeTransfer("ghost")); !errors.Is(err, ErrTransferNotFound) {
			t.Errorf("expected ErrTransferNotFound, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.Delete(ctx, "t1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.Delete(ctx, "t1"); !errors.Is(err, ErrTransferNotFound) {
			t.Errorf("expected ErrTransferNotFound, got %v", err)
		}
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, activeTransfer("t1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.Get(ctx, "t1")
	got.OriginalFilename = "mutated"
	got.CipherIV[0] = 0xFF

	fresh, _ := s.Get(ctx, "t1")
	if fresh.OriginalFilename != "report.pdf" {
		t.Error("mutation of a returned record leaked into the store")
	}
	if fresh.CipherIV[0] == 0xFF {
		t.Error("mutation of returned IV leaked into the store")
	}
}

func TestMemoryStoreClaimDownload(t *testing.T) {
	ctx := context.Background()

	t.Run("unlimited downloads", func(t *testing.T) {
		s := NewMemoryStore()
		s.Create(ctx, activeTransfer("t1"))

		for i := 0; i < 5; i++ {
			if err := s.ClaimDownload(ctx, "t1"); err != nil {
				t.Fatalf("claim %d failed: %v", i, err)
			}
		}
		got, _ := s.Get(ctx, "t1")
		if got.DownloadCount != 5 {
			t.Errorf("expected count 5, got %d", got.DownloadCount)
		}
	})

	t.Run("quota ceiling enforced", func(t *testing.T) {
		s := NewMemoryStore()
		tr := activeTransfer("t1")
		max := 2
		tr.MaxDownloads = &max
		s.Create(ctx, tr)

		for i := 0; i < 2; i++ {
			if err := s.ClaimDownload(ctx, "t1"); err != nil {
				t.Fatalf("claim %d failed: %v", i, err)
			}
		}
		if err := s.ClaimDownload(ctx, "t1"); !errors.Is(err, ErrQuotaExhausted) {
			t.Errorf("expected ErrQuotaExhausted, got %v", err)
		}
		got, _ := s.Get(ctx, "t1")
		if got.DownloadCount != 2 {
			t.Errorf("count must never exceed quota: got %d", got.DownloadCount)
		}
	})

	t.Run("missing transfer", func(t *testing.T) {
		s := NewMemoryStore()
		if err := s.ClaimDownload(ctx, "nope"); !errors.Is(err, ErrTransferNotFound) {
			t.Errorf("expected ErrTransferNotFound, got %v", err)
		}
	})
}

func TestMemoryStoreClaimDownloadRace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tr := activeTransfer("t1")
	max := 1
	tr.MaxDownloads = &max
	s.Create(ctx, tr)

	const racers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes, exhausted int

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ClaimDownload(ctx, "t1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrQuotaExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly 1 successful claim, got %d", successes)
	}
	if exhausted != racers-1 {
		t.Errorf("expected %d exhausted claims, got %d", racers-1, exhausted)
	}
}

func TestMemoryStoreListExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := activeTransfer("expired")
	expired.ExpiresAt = &past
	s.Create(ctx, expired)

	live := activeTransfer("live")
	live.ExpiresAt = &future
	s.Create(ctx, live)

	forever := activeTransfer("forever")
	s.Create(ctx, forever)

	alreadyDeleted := activeTransfer("deleted")
	alreadyDeleted.ExpiresAt = &past
	alreadyDeleted.Status = StatusDeleted
	s.Create(ctx, alreadyDeleted)

	got, err := s.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "expired" {
		t.Errorf("expected only the expired transfer, got %d records", len(got))
	}
}

func TestMemoryStoreLogs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if entries, err := s.ListByTransfer(ctx, "t1"); err != nil || len(entries) != 0 {
		t.Fatalf("expected no entries, got %d (err %v)", len(entries), err)
	}

	for i, action := range []LogAction{ActionUpload, ActionDownload, ActionDownloadFailed} {
		e := &LogEntry{
			ID:         string(rune('a' + i)),
			TransferID: "t1",
			Action:     action,
			Details:    "details",
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	entries, err := s.ListByTransfer(ctx, "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Action != ActionUpload || entries[2].Action != ActionDownloadFailed {
		t.Error("entries not returned in append order")
	}

	// Entries survive transfer deletion (weak reference, no cascade).
	s.Create(ctx, activeTransfer("t1"))
	s.Delete(ctx, "t1")
	entries, _ = s.ListByTransfer(ctx, "t1")
	if len(entries) != 3 {
		t.Errorf("log entries must not cascade on delete, got %d", len(entries))
	}
}
