package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/lib/pq"

	appconfig "feedhub/config"
	"feedhub/internal/models"
	"feedhub/logger"
)

const createTradeEventsTable = `
CREATE TABLE IF NOT EXISTS trade_events (
	content_hash TEXT PRIMARY KEY,
	event_id     TEXT NOT NULL,
	address      TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	price        DOUBLE PRECISION NOT NULL,
	size         DOUBLE PRECISION NOT NULL,
	notional     DOUBLE PRECISION NOT NULL,
	fee          DOUBLE PRECISION NOT NULL DEFAULT 0,
	realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	event_time   TIMESTAMPTZ NOT NULL,
	inserted_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_trade_events_symbol_time ON trade_events (symbol, event_time DESC);
CREATE INDEX IF NOT EXISTS idx_trade_events_address ON trade_events (address);
`

const tradeEventColumns = 11

// Postgres persists trade events with content-hash deduplication. Duplicate
// writes are absorbed by ON CONFLICT DO NOTHING, which makes retried batches
// safe.
type Postgres struct {
	db  *sql.DB
	log *logger.Log
}

// NewPostgres opens the connection pool, verifies connectivity and ensures
// the schema exists.
func NewPostgres(ctx context.Context, cfg appconfig.PostgresConfig, log *logger.Log) (*Postgres, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = buildDSN(cfg)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{db: db, log: log}
	if err := p.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.WithComponent("postgres_store").WithFields(logger.Fields{
		"host":     cfg.Host,
		"database": cfg.Database,
	}).Info("postgres store initialized")

	return p, nil
}

func buildDSN(cfg appconfig.PostgresConfig) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	q := url.Values{}
	q.Set("sslmode", cfg.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *Postgres) initSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createTradeEventsTable)
	return err
}

// SaveBatch writes all events in a single multi-row insert. Rows whose
// content hash already exists are skipped; the returned count is the number
// of rows actually inserted.
func (p *Postgres) SaveBatch(ctx context.Context, events []models.TradeEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	query, args := buildInsert(events)
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert trade events: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		// Driver could not report a count; the write itself succeeded.
		return len(events), nil
	}
	return int(inserted), nil
}

func buildInsert(events []models.TradeEvent) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO trade_events (content_hash, event_id, address, symbol, side, price, size, notional, fee, realized_pnl, event_time) VALUES ")

	args := make([]interface{}, 0, len(events)*tradeEventColumns)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * tradeEventColumns
		sb.WriteString("(")
		for c := 1; c <= tradeEventColumns; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+c)
		}
		sb.WriteString(")")
		args = append(args,
			e.ContentHash, e.ID, e.Address, e.Symbol, e.Side,
			e.Price, e.Size, e.Notional, e.Fee, e.RealizedPnl,
			e.EventTimestamp(),
		)
	}
	sb.WriteString(" ON CONFLICT (content_hash) DO NOTHING")
	return sb.String(), args
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
