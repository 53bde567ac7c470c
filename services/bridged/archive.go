package bridged

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"aegisbridge/core/events"
	"aegisbridge/core/types"
	"aegisbridge/observability"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    sequence   INTEGER NOT NULL,
    type       TEXT NOT NULL,
    attributes TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_sequence ON events(sequence);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

// ArchivedEvent is one row of the durable event log.
type ArchivedEvent struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Archive appends every emitted domain event to a sqlite table. The broker
// keeps only a bounded in-memory history; the archive is the durable record
// auditors reconcile against.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger

	mu  sync.Mutex
	seq uint64
}

var _ events.Emitter = (*Archive)(nil)

// OpenArchive opens (or creates) the archive database at path and resumes the
// sequence counter from the highest stored row.
func OpenArchive(path string, logger *slog.Logger) (*Archive, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("bridged: archive path required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("bridged: open archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bridged: apply archive schema: %w", err)
	}
	archive := &Archive{db: db, logger: logger}
	row := db.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM events`)
	if err := row.Scan(&archive.seq); err != nil {
		db.Close()
		return nil, fmt.Errorf("bridged: resume archive sequence: %w", err)
	}
	return archive, nil
}

// Emit appends the event. Archive failures are logged, never propagated: the
// live pipeline must not stall because the audit log is unavailable.
func (a *Archive) Emit(evt events.Event) {
	if a == nil || evt == nil {
		return
	}
	payload := &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	if provider, ok := evt.(interface{ Event() *types.Event }); ok {
		if converted := provider.Event(); converted != nil {
			payload = converted
		}
	}
	attrs, err := json.Marshal(payload.Attributes)
	if err != nil {
		a.logger.Error("archive event encode failed", "type", payload.Type, "error", err)
		return
	}

	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	_, err = a.db.Exec(
		`INSERT INTO events (id, sequence, type, attributes, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), seq, payload.Type, string(attrs), time.Now().UTC(),
	)
	if err != nil {
		a.logger.Error("archive event insert failed", "type", payload.Type, "error", err)
		return
	}
	observability.Events().RecordPublished(payload.Type)
}

// Recent returns up to limit events in descending sequence order.
func (a *Archive) Recent(ctx context.Context, limit int) ([]ArchivedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, sequence, type, attributes, created_at FROM events ORDER BY sequence DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("bridged: query archive: %w", err)
	}
	defer rows.Close()

	out := make([]ArchivedEvent, 0, limit)
	for rows.Next() {
		var (
			entry ArchivedEvent
			attrs string
		)
		if err := rows.Scan(&entry.ID, &entry.Sequence, &entry.Type, &attrs, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("bridged: scan archive row: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("bridged: decode archive attributes: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
