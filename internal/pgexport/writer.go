// Package pgexport streams finished order records and fills to Postgres for
// long-term analysis. Writes are asynchronous and lossy by design: a full
// queue drops rather than stalling the bridge.
package pgexport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tp-bridge/internal/config"
	"tp-bridge/internal/ledger"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	records chan ledger.Record
	fills   chan ledger.Fill

	started    atomic.Bool
	dropRecord atomic.Uint64
	dropFill   atomic.Uint64
}

// New returns nil when the exporter is disabled; all methods on a nil
// Writer are no-ops, so callers never need an enabled check.
func New(cfg config.PgExportConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("pg export dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		records: make(chan ledger.Record, queueSize),
		fills:   make(chan ledger.Fill, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueRecord(rec ledger.Record) {
	if w == nil {
		return
	}
	select {
	case w.records <- rec:
		return
	default:
		if w.dropRecord.Add(1) == 1 && w.log != nil {
			w.log.Warn("pg export record queue full")
		}
	}
}

func (w *Writer) EnqueueFill(fill ledger.Fill) {
	if w == nil {
		return
	}
	select {
	case w.fills <- fill:
		return
	default:
		if w.dropFill.Add(1) == 1 && w.log != nil {
			w.log.Warn("pg export fill queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.records:
			w.writeRecord(ctx, rec)
		case fill := <-w.fills:
			w.writeFill(ctx, fill)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("pg export db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		order_id TEXT NOT NULL,
		account TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		filled_qty DOUBLE PRECISION NOT NULL,
		avg_fill_price DOUBLE PRECISION NOT NULL,
		exit_kind TEXT NOT NULL,
		high_price DOUBLE PRECISION NOT NULL,
		low_price DOUBLE PRECISION NOT NULL,
		first_ts TIMESTAMPTZ NOT NULL,
		last_ts TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (order_id, last_ts)
	)`, w.table("order_records"))); err != nil {
		return err
	}
	return w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		order_id TEXT NOT NULL,
		account TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL
	)`, w.table("order_fills")))
}

func (w *Writer) writeRecord(ctx context.Context, rec ledger.Record) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		order_id, account, symbol, side, order_type, status, reason, qty,
		filled_qty, avg_fill_price, exit_kind, high_price, low_price, first_ts, last_ts
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	)
	ON CONFLICT (order_id, last_ts) DO UPDATE SET
		status = EXCLUDED.status,
		reason = EXCLUDED.reason,
		filled_qty = EXCLUDED.filled_qty,
		avg_fill_price = EXCLUDED.avg_fill_price,
		exit_kind = EXCLUDED.exit_kind,
		high_price = EXCLUDED.high_price,
		low_price = EXCLUDED.low_price`, w.table("order_records"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.OrderID,
		rec.Account,
		rec.Symbol,
		rec.Side,
		rec.OrderType,
		rec.Status,
		rec.Reason,
		rec.Qty,
		rec.FilledQty,
		rec.AvgFillPrice,
		rec.ExitKind,
		rec.HighPrice,
		rec.LowPrice,
		rec.FirstTime,
		rec.LastTime,
	); err != nil && w.log != nil {
		w.log.Warn("pg export record insert failed", zap.Error(err))
	}
}

func (w *Writer) writeFill(ctx context.Context, fill ledger.Fill) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, order_id, account, symbol, side, qty, price
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7
	)`, w.table("order_fills"))
	if _, err := w.db.ExecContext(ctx, query,
		fill.Time,
		fill.OrderID,
		fill.Account,
		fill.Symbol,
		fill.Side,
		fill.Qty,
		fill.Price,
	); err != nil && w.log != nil {
		w.log.Warn("pg export fill insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
