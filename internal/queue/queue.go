// Package queue is the durable store of story submissions that could not
// reach the API. Entries survive restarts and are removed only once the
// replayer confirms the server accepted them.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/storyapp/shelter/internal/queue/migrations"
	_ "modernc.org/sqlite"
)

// MaxPhotoSize is the largest attachment the story API accepts.
const MaxPhotoSize = 1 << 20

const lastIDKey = "last_id"

var (
	ErrInvalid       = errors.New("pending write is invalid")
	ErrPhotoTooLarge = errors.New("photo exceeds 1MB")
	ErrDuplicate     = errors.New("pending write id already queued")
	ErrNotFound      = errors.New("pending write not found")
)

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// PendingWrite is one story submission waiting for connectivity.
type PendingWrite struct {
	ID          int64
	Description string
	Lat         *float64
	Lon         *float64
	Photo       *Attachment
	// Token is the bearer token of the author; empty means a guest story.
	Token     string
	CreatedAt time.Time
}

type Queue struct {
	db  *sql.DB
	now func() time.Time

	// serializes id assignment with the insert that consumes it
	mu sync.Mutex
}

// Open opens (creating if needed) the queue database at path.
func Open(ctx context.Context, path string) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("queue path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Queue{db: db, now: time.Now}, nil
}

func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue durably stores w. A zero ID is replaced with a fresh id greater
// than any id this queue has handed out before. The insert is a single
// transaction: the entry is either fully stored or absent.
func (q *Queue) Enqueue(ctx context.Context, w PendingWrite) (PendingWrite, error) {
	w.Description = strings.TrimSpace(w.Description)
	if w.Description == "" {
		return w, fmt.Errorf("%w: description is required", ErrInvalid)
	}
	if (w.Lat == nil) != (w.Lon == nil) {
		return w, fmt.Errorf("%w: lat and lon go together", ErrInvalid)
	}
	if w.Photo != nil && len(w.Photo.Data) > MaxPhotoSize {
		return w, ErrPhotoTooLarge
	}
	if w.ID < 0 {
		return w, fmt.Errorf("%w: negative id", ErrInvalid)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = q.now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	err = tx.QueryRowContext(ctx, "SELECT value FROM queue_meta WHERE name = ?", lastIDKey).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return w, err
	}
	if w.ID == 0 {
		w.ID = max(q.now().UnixMilli(), last+1)
	} else {
		var found int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM pending_writes WHERE id = ?", w.ID).Scan(&found)
		if err == nil {
			return w, ErrDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return w, err
		}
	}

	var photoName, photoType string
	var photo []byte
	if w.Photo != nil {
		photoName, photoType, photo = w.Photo.Name, w.Photo.ContentType, w.Photo.Data
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO pending_writes
    (id, description, lat, lon, photo_name, photo_type, photo, token, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Description, nullFloat(w.Lat), nullFloat(w.Lon),
		photoName, photoType, photo, w.Token, w.CreatedAt.UnixMilli(),
	); err != nil {
		return w, fmt.Errorf("insert pending write: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO queue_meta (name, value) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET value = MAX(value, excluded.value)`, lastIDKey, w.ID); err != nil {
		return w, fmt.Errorf("record last id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// List returns every queued entry in insertion order.
func (q *Queue) List(ctx context.Context) ([]PendingWrite, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, description, lat, lon, photo_name, photo_type, photo, token, created_at
FROM pending_writes ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingWrite
	for rows.Next() {
		var (
			w                   PendingWrite
			lat, lon            sql.NullFloat64
			photoName, photoTyp string
			photo               []byte
			created             int64
		)
		if err := rows.Scan(&w.ID, &w.Description, &lat, &lon, &photoName, &photoTyp, &photo, &w.Token, &created); err != nil {
			return nil, err
		}
		if lat.Valid && lon.Valid {
			w.Lat, w.Lon = &lat.Float64, &lon.Float64
		}
		if photo != nil {
			w.Photo = &Attachment{Name: photoName, ContentType: photoTyp, Data: photo}
		}
		w.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

// Delete removes the entry with id.
func (q *Queue) Delete(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM pending_writes WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_writes").Scan(&n)
	return n, err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
