// Package storage persists review request snapshots and their audit events.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/review"
)

// ErrNotFound is returned when a review id has no snapshot.
var ErrNotFound = errors.New("record not found")

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to driver ("sqlite" or "postgres"), pings it and applies migrations.
func Open(ctx context.Context, driver, dsn string, pool PoolConfig) (*sql.DB, error) {
	sqlDriver, err := driverName(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := Migrate(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func driverName(driver string) (string, error) {
	switch driver {
	case "sqlite":
		return "sqlite3", nil
	case "postgres":
		return "postgres", nil
	}
	return "", fmt.Errorf("unsupported database driver: %s", driver)
}

// ReviewStore handles review snapshot persistence.
type ReviewStore struct {
	db  DB
	now func() time.Time
}

// NewReviewStore creates a review store.
func NewReviewStore(db DB) *ReviewStore {
	return &ReviewStore{db: db, now: time.Now}
}

// Save upserts a snapshot keyed by id.
func (s *ReviewStore) Save(ctx context.Context, r review.Request) error {
	snapshot, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal review %s: %w", r.ID, err)
	}
	query := `
		INSERT INTO review_requests (id, status, priority, confidence, assigned_to, customer_id,
			created_at_ns, updated_at_ns, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			confidence = EXCLUDED.confidence,
			assigned_to = EXCLUDED.assigned_to,
			updated_at_ns = EXCLUDED.updated_at_ns,
			snapshot = EXCLUDED.snapshot
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, string(r.Status), string(r.Priority), r.ConfidenceScore, r.AssignedTo, r.Source.CustomerID,
		r.CreatedAt.UnixNano(), s.now().UnixNano(), string(snapshot),
	)
	if err != nil {
		return fmt.Errorf("save review %s: %w", r.ID, err)
	}
	return nil
}

// Get retrieves a snapshot by id.
func (s *ReviewStore) Get(ctx context.Context, id string) (review.Request, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM review_requests WHERE id = $1`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return review.Request{}, ErrNotFound
	}
	if err != nil {
		return review.Request{}, fmt.Errorf("get review %s: %w", id, err)
	}
	var r review.Request
	if err := json.Unmarshal([]byte(snapshot), &r); err != nil {
		return review.Request{}, fmt.Errorf("decode review %s: %w", id, err)
	}
	return r, nil
}

// ListFilter narrows List. Zero values match everything; Limit 0 means 100.
type ListFilter struct {
	Status     review.Status
	CustomerID string
	Limit      int
}

// List returns snapshots newest first.
func (s *ReviewStore) List(ctx context.Context, f ListFilter) ([]review.Request, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `
		SELECT snapshot FROM review_requests
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR customer_id = $2)
		ORDER BY created_at_ns DESC, id
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, string(f.Status), f.CustomerID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	out := []review.Request{}
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var r review.Request
		if err := json.Unmarshal([]byte(snapshot), &r); err != nil {
			return nil, fmt.Errorf("decode review snapshot: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveEvent appends an audit event.
func (s *ReviewStore) SaveEvent(ctx context.Context, e review.AuditEntry) error {
	details := "{}"
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = string(data)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	query := `
		INSERT INTO review_events (id, request_id, action, actor, from_status, to_status, details, occurred_at_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), e.RequestID, e.Action, e.Actor, string(e.From), string(e.To), details, e.OccurredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save review event: %w", err)
	}
	return nil
}

// Events returns the audit trail of one review, oldest first.
func (s *ReviewStore) Events(ctx context.Context, requestID string) ([]review.AuditEntry, error) {
	query := `
		SELECT request_id, action, actor, from_status, to_status, details, occurred_at_ns
		FROM review_events WHERE request_id = $1
		ORDER BY occurred_at_ns, id
	`
	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("list review events: %w", err)
	}
	defer rows.Close()

	out := []review.AuditEntry{}
	for rows.Next() {
		var (
			e        review.AuditEntry
			from, to string
			details  string
			at       int64
		)
		if err := rows.Scan(&e.RequestID, &e.Action, &e.Actor, &from, &to, &details, &at); err != nil {
			return nil, err
		}
		e.From = review.Status(from)
		e.To = review.Status(to)
		e.OccurredAt = time.Unix(0, at).UTC()
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ review.Store = (*ReviewStore)(nil)
