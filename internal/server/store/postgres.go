package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_transfers",
		SQL: `
			CREATE TABLE IF NOT EXISTS transfers (
				id                    VARCHAR(36)  PRIMARY KEY,
				original_filename     VARCHAR(255) NOT NULL,
				mime_type             VARCHAR(255) NOT NULL,
				original_size         BIGINT       NOT NULL,
				compressed_size       BIGINT       NOT NULL,
				compression_ratio     DOUBLE PRECISION NOT NULL,
				compression_algorithm VARCHAR(16)  NOT NULL,
				cipher_iv             BYTEA        NOT NULL,
				cipher_salt           BYTEA        NOT NULL,
				password_hash         VARCHAR(255),
				checksum              VARCHAR(64)  NOT NULL,
				expires_at            TIMESTAMPTZ,
				download_count        INTEGER      NOT NULL DEFAULT 0,
				max_downloads         INTEGER,
				status                VARCHAR(16)  NOT NULL DEFAULT 'active',
				created_at            TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_transfers_expires_at ON transfers(expires_at);
		`,
	},
	{
		Version: "000002_create_transfer_logs",
		SQL: `
			CREATE TABLE IF NOT EXISTS transfer_logs (
				id          VARCHAR(36) PRIMARY KEY,
				transfer_id VARCHAR(36) NOT NULL,
				action      VARCHAR(32) NOT NULL,
				details     TEXT        NOT NULL DEFAULT '',
				created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_transfer_logs_transfer_id ON transfer_logs(transfer_id);
		`,
	},
}

const transferColumns = `id, original_filename, mime_type, original_size, compressed_size,
	compression_ratio, compression_algorithm, cipher_iv, cipher_salt,
	password_hash, checksum, expires_at, download_count, max_downloads,
	status, created_at`

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &PostgresStore{pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Create(ctx context.Context, t *Transfer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		t.ID,
		t.OriginalFilename,
		t.MIMEType,
		t.OriginalSize,
		t.CompressedSize,
		t.CompressionRatio,
		t.CompressionAlgorithm,
		t.CipherIV,
		t.CipherSalt,
		t.PasswordHash,
		t.Checksum,
		t.ExpiresAt,
		t.DownloadCount,
		t.MaxDownloads,
		t.Status,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transfer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id)
	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Update(ctx context.Context, t *Transfer) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transfers SET
			download_count = $2,
			max_downloads  = $3,
			expires_at     = $4,
			status         = $5
		WHERE id = $1
	`, t.ID, t.DownloadCount, t.MaxDownloads, t.ExpiresAt, t.Status)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM transfers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// ClaimDownload performs the quota check and increment as one
// conditional UPDATE, so concurrent claims are serialized by the
// database row lock.
func (s *PostgresStore) ClaimDownload(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transfers
		SET download_count = download_count + 1
		WHERE id = $1
		  AND (max_downloads IS NULL OR download_count < max_downloads)
	`, id)
	if err != nil {
		return fmt.Errorf("failed to claim download: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from an exhausted quota.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrQuotaExhausted
	}
	return nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]*Transfer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, e *LogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transfer_logs (id, transfer_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.TransferID, e.Action, e.Details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByTransfer(ctx context.Context, transferID string) ([]*LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, transfer_id, action, details, created_at
		FROM transfer_logs
		WHERE transfer_id = $1
		ORDER BY created_at
	`, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		if err := rows.Scan(&e.ID, &e.TransferID, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanTransfer(row pgx.Row) (*Transfer, error) {
	t := &Transfer{}
	err := row.Scan(
		&t.ID,
		&t.OriginalFilename,
		&t.MIMEType,
		&t.OriginalSize,
		&t.CompressedSize,
		&t.CompressionRatio,
		&t.CompressionAlgorithm,
		&t.CipherIV,
		&t.CipherSalt,
		&t.PasswordHash,
		&t.Checksum,
		&t.ExpiresAt,
		&t.DownloadCount,
		&t.MaxDownloads,
		&t.Status,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
