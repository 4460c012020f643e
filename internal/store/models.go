package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no entry matches an ID.
var ErrNotFound = errors.New("store: download not found")

// ErrAmbiguousID is returned when an ID prefix matches more than one entry.
var ErrAmbiguousID = errors.New("store: ambiguous id prefix")

// Status is the lifecycle state of a download entry.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// IsActive reports whether the download still has work to do.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusDownloading || s == StatusPaused
}

// Entry is one row of the download history.
type Entry struct {
	ID          string
	URL         string
	Filename    string
	DestPath    string
	TotalSize   int64
	Downloaded  int64
	Status      Status
	LastError   string
	MimeType    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time // zero until completed
}

// NewEntry returns a queued entry with a fresh ID.
func NewEntry(url, filename, destPath string, totalSize int64) *Entry {
	now := time.Now()
	return &Entry{
		ID:        uuid.NewString(),
		URL:       url,
		Filename:  filename,
		DestPath:  destPath,
		TotalSize: totalSize,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ShortID returns the first block of the ID for display.
func (e *Entry) ShortID() string {
	if i := strings.IndexByte(e.ID, '-'); i > 0 {
		return e.ID[:i]
	}
	return e.ID
}

const entryColumns = `id, url, filename, dest_path, total_size, downloaded, status,
	last_error, mime_type, created_at, updated_at, completed_at`

// Save inserts or replaces e.
func (s *Store) Save(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.UpdatedAt = time.Now()
	if e.Status == StatusCompleted && e.CompletedAt.IsZero() {
		e.CompletedAt = e.UpdatedAt
	}

	query := `
		INSERT INTO downloads (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			filename = excluded.filename,
			dest_path = excluded.dest_path,
			total_size = excluded.total_size,
			downloaded = excluded.downloaded,
			status = excluded.status,
			last_error = excluded.last_error,
			mime_type = excluded.mime_type,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.URL, e.Filename, e.DestPath, e.TotalSize, e.Downloaded, string(e.Status),
		e.LastError, e.MimeType, unixMilli(e.CreatedAt), unixMilli(e.UpdatedAt), unixMilli(e.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save download %s: %w", e.ID, err)
	}
	return nil
}

// UpdateProgress records the byte count and status of an entry.
func (s *Store) UpdateProgress(ctx context.Context, id string, downloaded int64, status Status, lastError string) error {
	now := time.Now()
	completed := int64(0)
	if status == StatusCompleted {
		completed = now.UnixMilli()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads
		SET downloaded = ?, status = ?, last_error = ?, updated_at = ?,
			completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END
		WHERE id = ?
	`, downloaded, string(status), lastError, now.UnixMilli(), completed, completed, id)
	if err != nil {
		return fmt.Errorf("update download %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMimeType records the detected content type of a completed file.
func (s *Store) SetMimeType(ctx context.Context, id, mime string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE downloads SET mime_type = ? WHERE id = ?`, mime, id)
	return err
}

// Get returns the entry whose ID equals or starts with id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM downloads WHERE id = ? OR id LIKE ? ESCAPE '\' LIMIT 2`,
		id, escapeLike(id)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	switch len(entries) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return entries[0], nil
	default:
		for _, e := range entries {
			if e.ID == id {
				return e, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousID, id)
	}
}

// FindByDest returns the most recent entry writing to destPath.
func (s *Store) FindByDest(ctx context.Context, destPath string) (*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM downloads WHERE dest_path = ? ORDER BY updated_at DESC LIMIT 1`, destPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries[0], nil
}

// List returns all entries, newest first. A non-empty status filters them.
func (s *Store) List(ctx context.Context, status Status) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM downloads`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Delete removes the entry with the exact id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete download %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var (
			e                               Entry
			status                          string
			created, updated, completedAtMs int64
		)
		if err := rows.Scan(&e.ID, &e.URL, &e.Filename, &e.DestPath, &e.TotalSize, &e.Downloaded,
			&status, &e.LastError, &e.MimeType, &created, &updated, &completedAtMs); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		e.CreatedAt = fromUnixMilli(created)
		e.UpdatedAt = fromUnixMilli(updated)
		e.CompletedAt = fromUnixMilli(completedAtMs)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
