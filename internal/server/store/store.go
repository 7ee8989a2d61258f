// Package store persists transfer records and their append-only log
// entries. The substrate is modelled as a key-value store with per-id
// atomic semantics: no multi-row transactions are assumed, and the
// quota check-then-increment is exposed as a single atomic
// ClaimDownload operation.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrDuplicateID      = errors.New("transfer id already exists")
	ErrQuotaExhausted   = errors.New("download quota exhausted")
)

// Status is the lifecycle state of a transfer. Transitions are
// monotonic: active may become expired or deleted, never the reverse.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusDeleted Status = "deleted"
)

// Transfer is the persisted record for one stored artifact. The
// decryption key and auth tag are deliberately absent: they travel with
// the caller and are never stored.
type Transfer struct {
	ID                   string
	OriginalFilename     string
	MIMEType             string
	OriginalSize         int64
	CompressedSize       int64 // ciphertext length, measured after encryption
	CompressionRatio     float64
	CompressionAlgorithm string
	CipherIV             []byte
	CipherSalt           []byte // generated but not used for key derivation
	PasswordHash         *string
	Checksum             string
	ExpiresAt            *time.Time
	DownloadCount        int
	MaxDownloads         *int
	Status               Status
	CreatedAt            time.Time
}

// LogAction is the kind of event recorded in a transfer log entry.
type LogAction string

const (
	ActionUpload         LogAction = "upload"
	ActionDownload       LogAction = "download"
	ActionDownloadFailed LogAction = "download_failed"
	ActionDeleted        LogAction = "deleted"
)

// LogEntry is one append-only audit record owned by a transfer via its
// id. The reference is weak: entries are looked up by transfer id and
// are not cascaded on deletion.
type LogEntry struct {
	ID         string
	TransferID string
	Action     LogAction
	Details    string
	CreatedAt  time.Time
}

// TransferStore provides CRUD plus atomic quota claiming for transfer
// records.
type TransferStore interface {
	Create(ctx context.Context, t *Transfer) error
	Get(ctx context.Context, id string) (*Transfer, error)
	Update(ctx context.Context, t *Transfer) error
	Delete(ctx context.Context, id string) error

	// ClaimDownload atomically increments the download counter if the
	// quota ceiling (when set) has not been reached. Two concurrent
	// claims against a quota-of-one transfer resolve to exactly one
	// success and one ErrQuotaExhausted.
	ClaimDownload(ctx context.Context, id string) error

	// ListExpired returns active transfers whose expiry has passed.
	ListExpired(ctx context.Context, now time.Time) ([]*Transfer, error)
}

// LogStore provides append-only access to transfer log entries.
type LogStore interface {
	Append(ctx context.Context, e *LogEntry) error
	ListByTransfer(ctx context.Context, transferID string) ([]*LogEntry, error)
}

// Store aggregates the persistence interfaces for dependency injection.
type Store interface {
	TransferStore
	LogStore
}
