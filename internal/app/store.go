package app

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// DownloadRecord is one line of the download history. It is written after a request
// finishes and is never read back to serve a download.
type DownloadRecord struct {
	RequestID string        `json:"requestId"`
	URL       string        `json:"url"`
	Platform  string        `json:"platform,omitempty"`
	Quality   string        `json:"quality,omitempty"`
	AudioOnly bool          `json:"audioOnly"`
	Status    int           `json:"status"`
	ErrorKind string        `json:"errorKind,omitempty"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"durationNs"`
	CreatedAt time.Time     `json:"createdAt"`
}

// HistoryStore persists DownloadRecords.
type HistoryStore interface {
	RecordDownload(ctx context.Context, rec DownloadRecord) error
	RecentDownloads(ctx context.Context, limit int) ([]DownloadRecord, error)
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer avoids SQLITE_BUSY under concurrent requests.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS downloads (
	request_id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	platform TEXT NOT NULL,
	quality TEXT NOT NULL,
	audio_only INTEGER NOT NULL,
	status INTEGER NOT NULL,
	error_kind TEXT NOT NULL,
	bytes INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS downloads_created_at ON downloads (created_at);`)
	return err
}

func (s *SQLiteStore) RecordDownload(ctx context.Context, rec DownloadRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO downloads (request_id, url, platform, quality, audio_only, status, error_kind, bytes, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO UPDATE SET
	status = excluded.status,
	error_kind = excluded.error_kind,
	bytes = excluded.bytes,
	duration_ms = excluded.duration_ms;`,
		rec.RequestID, rec.URL, rec.Platform, rec.Quality, rec.AudioOnly, rec.Status, rec.ErrorKind,
		rec.Bytes, rec.Duration.Milliseconds(), rec.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) RecentDownloads(ctx context.Context, limit int) ([]DownloadRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, url, platform, quality, audio_only, status, error_kind, bytes, duration_ms, created_at
FROM downloads ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DownloadRecord
	for rows.Next() {
		var rec DownloadRecord
		var durationMS int64
		if err := rows.Scan(&rec.RequestID, &rec.URL, &rec.Platform, &rec.Quality, &rec.AudioOnly,
			&rec.Status, &rec.ErrorKind, &rec.Bytes, &durationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
