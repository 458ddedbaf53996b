// Package outbox persists outbound MQTT messages so a broker outage cannot
// lose a triggered alert. The drain worker peeks the oldest item, publishes
// it, and deletes it; items that exhaust their publish budget are dropped
// explicitly.
package outbox

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/lib/pq"

	"saferelay/internal/types"
)

// Item is one persisted outbound message.
type Item struct {
	ID       int64
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	Attempts int
}

// Repository is the outbox storage contract.
type Repository interface {
	Enqueue(ctx context.Context, topic string, payload []byte, qos byte, retain bool) (int64, error)
	// PeekOldest returns the oldest item without removing it; found is
	// false on an empty outbox.
	PeekOldest(ctx context.Context) (item Item, found bool, err error)
	// MarkAttempt increments the attempt counter after a failed publish.
	MarkAttempt(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// PostgresRepository implements Repository on database/sql.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeTransientStore, "postgres open failed", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, types.NewAppError(types.ErrCodeTransientStore, "postgres ping failed", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id         BIGSERIAL PRIMARY KEY,
	topic      TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	qos        SMALLINT NOT NULL DEFAULT 1,
	retain     BOOLEAN NOT NULL DEFAULT FALSE,
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migrate creates the outbox table if it does not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return types.NewAppError(types.ErrCodeTransientStore, "outbox migration failed", err)
	}
	return nil
}

func (r *PostgresRepository) Enqueue(ctx context.Context, topic string, payload []byte, qos byte, retain bool) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO outbox (topic, payload, qos, retain) VALUES ($1, $2, $3, $4) RETURNING id`,
		topic, payload, int16(qos), retain,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeTransientStore, "outbox enqueue failed", err)
	}
	return id, nil
}

func (r *PostgresRepository) PeekOldest(ctx context.Context) (Item, bool, error) {
	var item Item
	var qos int16
	err := r.db.QueryRowContext(ctx,
		`SELECT id, topic, payload, qos, retain, attempts FROM outbox ORDER BY id ASC LIMIT 1`,
	).Scan(&item.ID, &item.Topic, &item.Payload, &qos, &item.Retain, &item.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, types.NewAppError(types.ErrCodeTransientStore, "outbox peek failed", err)
	}
	item.QoS = byte(qos)
	return item, true, nil
}

func (r *PostgresRepository) MarkAttempt(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeTransientStore, "outbox mark attempt failed", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return types.NewAppError(types.ErrCodeTransientStore, "outbox item not found", nil)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = $1`, id); err != nil {
		return types.NewAppError(types.ErrCodeTransientStore, "outbox delete failed", err)
	}
	return nil
}

func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, types.NewAppError(types.ErrCodeTransientStore, "outbox count failed", err)
	}
	return n, nil
}
