package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"sealdrop/internal/server/chunk"
	"sealdrop/internal/server/compress"
	"sealdrop/internal/server/config"
	"sealdrop/internal/server/crypto"
	"sealdrop/internal/server/notify"
	"sealdrop/internal/server/storage"
	"sealdrop/internal/server/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors for the service layer. Each failure kind is
// distinguishable so callers can tell a corrupted artifact from a wrong
// key from an exhausted quota.
var (
	ErrNotFound         = errors.New("transfer not found")
	ErrExpired          = errors.New("transfer has expired")
	ErrQuotaExhausted   = errors.New("download quota exhausted")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrIntegrity        = errors.New("stored ciphertext failed integrity check")
	ErrDecryption       = errors.New("decryption failed")
	ErrDecompression    = errors.New("decompression failed")
	ErrValidation       = errors.New("invalid request")
	ErrFileTooLarge     = fmt.Errorf("%w: file exceeds maximum allowed size", ErrValidation)
)

// StoreRequest carries one whole (or chunk-merged) file into the store
// pipeline.
type StoreRequest struct {
	Data             []byte
	Filename         string
	MIMEType         string
	CompressionLevel int
	Password         string
	ExpiresInHours   int
	MaxDownloads     int
}

// StoreResult is returned after a successful store. Key and AuthTag are
// handed out exactly once; the server keeps no way to reconstruct them.
type StoreResult struct {
	TransferID string    `json:"transfer_id"`
	Key        []byte    `json:"key"`
	AuthTag    []byte    `json:"auth_tag"`
	Metadata   *Metadata `json:"metadata"`
}

// Metadata is the caller-visible view of a transfer record.
type Metadata struct {
	ID                   string     `json:"id"`
	Filename             string     `json:"filename"`
	MIMEType             string     `json:"mime_type"`
	OriginalSize         int64      `json:"original_size"`
	CompressedSize       int64      `json:"compressed_size"`
	CompressionRatio     float64    `json:"compression_ratio"`
	CompressionAlgorithm string     `json:"compression_algorithm"`
	DownloadCount        int        `json:"download_count"`
	MaxDownloads         *int       `json:"max_downloads,omitempty"`
	HasPassword          bool       `json:"has_password"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	Status               string     `json:"status"`
}

// ChunkResult reports reassembly progress after one stored chunk.
type ChunkResult struct {
	Complete      bool    `json:"complete"`
	ReceivedCount int     `json:"received_count"`
	TotalChunks   int     `json:"total_chunks"`
	Progress      float64 `json:"progress"`
}

// RetrieveResult is the decrypted, decompressed payload plus the
// metadata a caller needs to present it.
type RetrieveResult struct {
	Data     []byte
	Filename string
	MIMEType string
}

// TransferService is the transfer lifecycle manager. It owns the
// compress→encrypt→persist pipeline on the way in and the access-gate→
// verify→decrypt→decompress pipeline on the way out.
type TransferService struct {
	store  store.Store
	blobs  storage.BlobStore
	chunks *chunk.Assembler
	events *notify.Broadcaster
	cfg    *config.Config
}

// NewTransferService creates a new transfer service.
func NewTransferService(st store.Store, blobs storage.BlobStore, chunks *chunk.Assembler, events *notify.Broadcaster, cfg *config.Config) *TransferService {
	return &TransferService{
		store:  st,
		blobs:  blobs,
		chunks: chunks,
		events: events,
		cfg:    cfg,
	}
}

// Store runs the full ingestion pipeline for one file: compress,
// encrypt, checksum, persist blob and record. The encryption key and
// auth tag are returned to the caller and never persisted.
func (s *TransferService) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrValidation)
	}
	if s.cfg.MaxFileSize > 0 && int64(len(req.Data)) > s.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if req.MaxDownloads < 0 || req.ExpiresInHours < 0 {
		return nil, fmt.Errorf("%w: negative limits", ErrValidation)
	}

	transferID := uuid.NewString()

	// 1. Compress, with the algorithm picked from the MIME type.
	algo := compress.AlgorithmForMIME(req.MIMEType)
	s.publish(transferID, notify.StageCompressing, int64(len(req.Data)), "")

	var compressed bytes.Buffer
	if _, err := compress.Compress(&compressed, bytes.NewReader(req.Data), algo, req.CompressionLevel); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 2. Encrypt under a fresh random key and IV.
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	iv, err := crypto.GenerateIV()
	if err != nil {
		return nil, err
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}

	s.publish(transferID, notify.StageEncrypting, int64(compressed.Len()), "")
	ciphertext, tag, err := crypto.Encrypt(compressed.Bytes(), key, iv)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}

	checksum := crypto.Checksum(ciphertext)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 3. Persist the ciphertext blob.
	s.publish(transferID, notify.StageStoring, int64(len(ciphertext)), "")
	storedBytes, err := s.blobs.Save(transferID, bytes.NewReader(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}

	// 4. Hash password if provided.
	var passwordHash *string
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			s.blobs.Delete(transferID)
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		h := string(hash)
		passwordHash = &h
	}

	// 5. Persist the transfer record.
	now := time.Now().UTC()
	record := &store.Transfer{
		ID:                   transferID,
		OriginalFilename:     sanitizeFilename(req.Filename),
		MIMEType:             req.MIMEType,
		OriginalSize:         int64(len(req.Data)),
		CompressedSize:       storedBytes, // ciphertext length, post-cipher
		CompressionRatio:     compress.Ratio(int64(len(req.Data)), storedBytes),
		CompressionAlgorithm: string(algo),
		CipherIV:             iv,
		CipherSalt:           salt,
		PasswordHash:         passwordHash,
		Checksum:             checksum,
		DownloadCount:        0,
		Status:               store.StatusActive,
		CreatedAt:            now,
	}
	if req.ExpiresInHours > 0 {
		exp := now.Add(time.Duration(req.ExpiresInHours) * time.Hour)
		record.ExpiresAt = &exp
	} else if s.cfg.DefaultExpiry > 0 {
		exp := now.Add(s.cfg.DefaultExpiry)
		record.ExpiresAt = &exp
	}
	if req.MaxDownloads > 0 {
		m := req.MaxDownloads
		record.MaxDownloads = &m
	}

	if err := s.store.Create(ctx, record); err != nil {
		// Clean up the stored blob so no orphan artifact remains.
		s.blobs.Delete(transferID)
		s.publish(transferID, notify.StageFailed, 0, "record creation failed")
		return nil, fmt.Errorf("failed to create transfer record: %w", err)
	}

	s.appendLog(ctx, transferID, store.ActionUpload,
		fmt.Sprintf("original=%d compressed=%d algorithm=%s", record.OriginalSize, record.CompressedSize, algo))

	s.publish(transferID, notify.StageComplete, storedBytes, "")

	slog.Info("transfer stored",
		"transfer_id", transferID,
		"filename", record.OriginalFilename,
		"original_size", record.OriginalSize,
		"compressed_size", record.CompressedSize,
		"algorithm", algo,
	)

	return &StoreResult{
		TransferID: transferID,
		Key:        key,
		AuthTag:    tag,
		Metadata:   toMetadata(record),
	}, nil
}

// StoreChunk feeds one chunk of a resumable upload into the assembler.
// When the returned result is complete, Merged bytes were already
// consumed by the assembler and are handed back for a follow-up Store.
func (s *TransferService) StoreChunk(ctx context.Context, transferID string, index, total int, data []byte) (*ChunkResult, []byte, error) {
	if s.cfg.MaxFileSize > 0 && int64(len(data)) > s.cfg.MaxFileSize {
		return nil, nil, ErrFileTooLarge
	}

	p, err := s.chunks.Accept(transferID, index, total, data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	s.publish(transferID, notify.StageReceiving, int64(len(data)),
		fmt.Sprintf("chunk %d/%d", p.Received, p.Total))

	res := &ChunkResult{
		Complete:      p.Complete,
		ReceivedCount: p.Received,
		TotalChunks:   p.Total,
		Progress:      p.Fraction(),
	}
	return res, p.Merged, nil
}

// GetMetadata returns a transfer's metadata after the access gate.
// No key or password is required.
func (s *TransferService) GetMetadata(ctx context.Context, transferID string) (*Metadata, error) {
	t, err := s.gate(ctx, transferID)
	if err != nil {
		return nil, err
	}
	return toMetadata(t), nil
}

// Retrieve runs the full download pipeline: access gate, password
// check, storage checksum, authenticated decryption, decompression, and
// finally the atomic quota claim. Each stage fails with its own error
// kind and never returns partial output.
func (s *TransferService) Retrieve(ctx context.Context, transferID string, key, authTag []byte, password string) (*RetrieveResult, error) {
	t, err := s.gate(ctx, transferID)
	if err != nil {
		return nil, err
	}

	// Password gate. Orthogonal to the key: a correct password with a
	// wrong key still fails at the decrypt stage.
	if t.PasswordHash != nil {
		if password == "" {
			s.appendLog(ctx, transferID, store.ActionDownloadFailed, "password required")
			return nil, ErrPasswordRequired
		}
		if err := bcrypt.CompareHashAndPassword([]byte(*t.PasswordHash), []byte(password)); err != nil {
			s.appendLog(ctx, transferID, store.ActionDownloadFailed, "invalid password")
			return nil, ErrInvalidPassword
		}
	}

	// Storage integrity: re-derive the ciphertext checksum before any
	// decryption attempt.
	s.publish(transferID, notify.StageVerifying, t.CompressedSize, "")
	ciphertext, err := s.readArtifact(transferID)
	if err != nil {
		s.appendLog(ctx, transferID, store.ActionDownloadFailed, "artifact unreadable")
		return nil, err
	}
	if !crypto.VerifyChecksum(ciphertext, t.Checksum) {
		s.appendLog(ctx, transferID, store.ActionDownloadFailed, "checksum mismatch")
		s.publish(transferID, notify.StageFailed, 0, "integrity")
		return nil, ErrIntegrity
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Authenticated decryption with the caller-supplied key and tag.
	s.publish(transferID, notify.StageDecrypting, int64(len(ciphertext)), "")
	compressed, err := crypto.Decrypt(ciphertext, key, t.CipherIV, authTag)
	if err != nil {
		s.appendLog(ctx, transferID, store.ActionDownloadFailed, "decryption failed")
		s.publish(transferID, notify.StageFailed, 0, "decryption")
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	// Decompression with the algorithm recorded at store time.
	algo, err := compress.ParseAlgorithm(t.CompressionAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	s.publish(transferID, notify.StageDecompressing, int64(len(compressed)), "")
	var plaintext bytes.Buffer
	if _, err := compress.Decompress(&plaintext, bytes.NewReader(compressed), algo); err != nil {
		s.appendLog(ctx, transferID, store.ActionDownloadFailed, "decompression failed")
		s.publish(transferID, notify.StageFailed, 0, "decompression")
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}

	// Claim a download slot only after the whole pipeline succeeded, so
	// a wrong key or corrupted artifact never consumes quota. The claim
	// is atomic per id: concurrent requests against a quota-of-one
	// transfer resolve to one success.
	if err := s.store.ClaimDownload(ctx, transferID); err != nil {
		switch {
		case errors.Is(err, store.ErrQuotaExhausted):
			return nil, ErrQuotaExhausted
		case errors.Is(err, store.ErrTransferNotFound):
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("failed to claim download: %w", err)
		}
	}

	s.appendLog(ctx, transferID, store.ActionDownload,
		fmt.Sprintf("bytes=%d", plaintext.Len()))
	s.publish(transferID, notify.StageComplete, int64(plaintext.Len()), "")

	slog.Info("transfer retrieved",
		"transfer_id", transferID,
		"filename", t.OriginalFilename,
		"bytes", plaintext.Len(),
	)

	return &RetrieveResult{
		Data:     plaintext.Bytes(),
		Filename: t.OriginalFilename,
		MIMEType: t.MIMEType,
	}, nil
}

// Remove deletes the stored artifact and the transfer record together.
// The artifact goes first: if its deletion fails the record stays, so a
// record never points at a missing blob.
func (s *TransferService) Remove(ctx context.Context, transferID string) error {
	if _, err := s.store.Get(ctx, transferID); err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return ErrNotFound
		}
		return err
	}

	if err := s.blobs.Delete(transferID); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}

	if err := s.store.Delete(ctx, transferID); err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete transfer record: %w", err)
	}

	s.appendLog(ctx, transferID, store.ActionDeleted, "")
	slog.Info("transfer deleted", "transfer_id", transferID)
	return nil
}

// Logs returns the append-only history for a transfer.
func (s *TransferService) Logs(ctx context.Context, transferID string) ([]*store.LogEntry, error) {
	return s.store.ListByTransfer(ctx, transferID)
}

// gate applies the access checks shared by metadata queries and
// downloads: existence, terminal states, lazy expiry, and the quota
// ceiling.
func (s *TransferService) gate(ctx context.Context, transferID string) (*store.Transfer, error) {
	t, err := s.store.Get(ctx, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	switch t.Status {
	case store.StatusDeleted:
		return nil, ErrNotFound
	case store.StatusExpired:
		return nil, ErrExpired
	}

	// Lazy expiry: evaluated on every access, no background timer.
	if t.ExpiresAt != nil && time.Now().UTC().After(*t.ExpiresAt) {
		t.Status = store.StatusExpired
		if err := s.store.Update(ctx, t); err != nil {
			slog.Error("failed to mark transfer expired", "transfer_id", transferID, "error", err)
		}
		return nil, ErrExpired
	}

	if t.MaxDownloads != nil && t.DownloadCount >= *t.MaxDownloads {
		return nil, ErrQuotaExhausted
	}

	return t, nil
}

func (s *TransferService) readArtifact(transferID string) ([]byte, error) {
	r, err := s.blobs.Open(transferID)
	if err != nil {
		// A record without a backing artifact is a defect state; it
		// surfaces as a storage integrity failure, not a silent miss.
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return b, nil
}

// appendLog records a transfer event; failures are logged and never
// fail the surrounding operation.
func (s *TransferService) appendLog(ctx context.Context, transferID string, action store.LogAction, details string) {
	e := &store.LogEntry{
		ID:         uuid.NewString(),
		TransferID: transferID,
		Action:     action,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Append(ctx, e); err != nil {
		slog.Error("failed to append transfer log", "transfer_id", transferID, "action", action, "error", err)
	}
}

// publish emits a best-effort progress event.
func (s *TransferService) publish(transferID string, stage notify.Stage, bytes int64, detail string) {
	if s.events == nil {
		return
	}
	s.events.Publish(notify.Event{
		TransferID: transferID,
		Stage:      stage,
		Bytes:      bytes,
		Detail:     detail,
	})
}

func toMetadata(t *store.Transfer) *Metadata {
	m := &Metadata{
		ID:                   t.ID,
		Filename:             t.OriginalFilename,
		MIMEType:             t.MIMEType,
		OriginalSize:         t.OriginalSize,
		CompressedSize:       t.CompressedSize,
		CompressionRatio:     t.CompressionRatio,
		CompressionAlgorithm: t.CompressionAlgorithm,
		DownloadCount:        t.DownloadCount,
		HasPassword:          t.PasswordHash != nil,
		CreatedAt:            t.CreatedAt,
		Status:               string(t.Status),
	}
	if t.MaxDownloads != nil {
		m.MaxDownloads = t.MaxDownloads
	}
	if t.ExpiresAt != nil {
		m.ExpiresAt = t.ExpiresAt
	}
	return m
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}

	if name == "" || name == "." {
		name = "file"
	}

	return name
}
