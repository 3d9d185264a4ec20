package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store on PostgreSQL with monthly declarative
// partitions on the two order relations.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresStore connects, verifies the connection and bootstraps the
// schema (all DDL is IF NOT EXISTS, so this is safe on every start).
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{
		pool: pool,
		log:  slog.With("component", "storage"),
	}
	if _, err := pool.Exec(connectCtx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.log.Info("connected to postgres store")
	return s, nil
}

// EnsurePartition creates the monthly child table if absent. IF NOT EXISTS
// still races under concurrent DDL, so duplicate_table (42P07) is treated as
// success.
func (s *PostgresStore) EnsurePartition(ctx context.Context, table string, period Period) error {
	name := period.PartitionName(table)
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS app_core.%s
		PARTITION OF app_core.%s
		FOR VALUES FROM ('%s') TO ('%s');
		CREATE INDEX IF NOT EXISTS idx_%s_order_date ON app_core.%s (order_date);
		CREATE INDEX IF NOT EXISTS idx_%s_po_id ON app_core.%s (purchase_order_id);
	`,
		name, table,
		period.Start().Format("2006-01-02"), period.End().Format("2006-01-02"),
		name, name,
		name, name,
	)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P07" {
			return nil
		}
		return fmt.Errorf("ensure partition %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) InsertHeader(ctx context.Context, h Header) (bool, error) {
	query := `
		INSERT INTO app_core.purchase_order_headers (
			purchase_order_id, order_date, buyer_company_name, buyer_email,
			supplier_company_name, supplier_id, subtotal, tax, grand_amount,
			currency, status, cdate, raw_json
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (purchase_order_id, order_date) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		h.PurchaseOrderID, h.OrderDate,
		nullStr(h.BuyerCompanyName), nullStr(h.BuyerEmail),
		nullStr(h.SupplierCompanyName), nullStr(h.SupplierID),
		h.Subtotal, h.Tax, h.GrandAmount,
		nullStr(h.Currency), nullStr(h.Status), h.CreatedDate,
		rawOrEmpty(h.RawJSON),
	)
	if err != nil {
		return false, wrapPartitionErr(fmt.Errorf("insert header %s: %w", h.PurchaseOrderID, err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, purchaseOrderID, purchaseOrderNo string) (*LineItem, error) {
	query := `
		SELECT purchase_order_id, purchase_order_no,
		       COALESCE(item_id, ''), COALESCE(sku, ''), COALESCE(description, ''),
		       quantity, COALESCE(unit_of_measure, ''), unit_price, total,
		       total_mismatch, COALESCE(currency, ''), order_date, cdate,
		       COALESCE(supplier_id, ''), COALESCE(plant, ''),
		       COALESCE(material_group, ''), COALESCE(product_id, ''), raw_json
		FROM app_core.purchase_order_items
		WHERE purchase_order_id = $1 AND purchase_order_no = $2
		LIMIT 1
	`
	var it LineItem
	err := s.pool.QueryRow(ctx, query, purchaseOrderID, purchaseOrderNo).Scan(
		&it.PurchaseOrderID, &it.PurchaseOrderNo,
		&it.ItemID, &it.SKU, &it.Description,
		&it.Quantity, &it.UnitOfMeasure, &it.UnitPrice, &it.Total,
		&it.TotalMismatch, &it.Currency, &it.OrderDate, &it.CreatedDate,
		&it.SupplierID, &it.Plant,
		&it.MaterialGroup, &it.ProductID, &it.RawJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get item %s/%s: %w", purchaseOrderID, purchaseOrderNo, err)
	}
	return &it, nil
}

func (s *PostgresStore) InsertItem(ctx context.Context, it LineItem) (bool, error) {
	query := `
		INSERT INTO app_core.purchase_order_items (
			purchase_order_id, purchase_order_no, item_id, sku, description,
			quantity, unit_of_measure, unit_price, total, total_mismatch,
			currency, order_date, cdate, supplier_id, plant, material_group,
			product_id, raw_json
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (purchase_order_id, purchase_order_no, order_date) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		it.PurchaseOrderID, it.PurchaseOrderNo,
		nullStr(it.ItemID), nullStr(it.SKU), nullStr(it.Description),
		it.Quantity, nullStr(it.UnitOfMeasure), it.UnitPrice, it.Total, it.TotalMismatch,
		nullStr(it.Currency), it.OrderDate, it.CreatedDate,
		nullStr(it.SupplierID), nullStr(it.Plant), nullStr(it.MaterialGroup),
		nullStr(it.ProductID), rawOrEmpty(it.RawJSON),
	)
	if err != nil {
		return false, wrapPartitionErr(fmt.Errorf("insert item %s/%s: %w", it.PurchaseOrderID, it.PurchaseOrderNo, err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AppendQuarantine(ctx context.Context, recs []QuarantinedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`
			INSERT INTO app_core.quarantine
				(purchase_order_id, purchase_order_no, reason, raw_json, quarantined_at)
			VALUES ($1, $2, $3, $4, $5)
		`, r.PurchaseOrderID, nullStr(r.PurchaseOrderNo), r.Reason, rawOrEmpty(r.RawJSON), r.QuarantinedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append quarantine: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendConflict(ctx context.Context, e ConflictEntry) error {
	query := `
		INSERT INTO app_core.audit_conflicts
			(table_name, primary_key, diff_fields, existing_row, incoming_row, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		e.Table, e.Key, e.DiffFields, rawOrEmpty(e.Existing), rawOrEmpty(e.Incoming), e.DetectedAt)
	if err != nil {
		return fmt.Errorf("append conflict %s: %w", e.Key, err)
	}
	return nil
}

func (s *PostgresStore) BeginRun(ctx context.Context, mode string, start time.Time) (int64, error) {
	query := `
		INSERT INTO app_core.etl_run_log (mode, start_time, status)
		VALUES ($1, $2, 'running')
		RETURNING id
	`
	var id int64
	if err := s.pool.QueryRow(ctx, query, mode, start).Scan(&id); err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) EndRun(ctx context.Context, id int64, rec RunRecord) error {
	query := `
		UPDATE app_core.etl_run_log
		SET end_time = $2, rows_processed = $3, rows_inserted = $4,
		    rows_updated = $5, status = $6, error_message = $7
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, id,
		rec.EndTime, rec.RowsProcessed, rec.RowsInserted, rec.RowsUpdated,
		rec.Status, nullStr(rec.ErrorMessage))
	if err != nil {
		return fmt.Errorf("end run %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) LastSuccess(ctx context.Context, mode string) (time.Time, error) {
	query := `
		SELECT COALESCE(MAX(end_time), 'epoch'::timestamptz)
		FROM app_core.etl_run_log
		WHERE status = 'success' AND ($1 = '' OR mode = $1)
	`
	var t time.Time
	if err := s.pool.QueryRow(ctx, query, mode).Scan(&t); err != nil {
		return time.Time{}, fmt.Errorf("last success: %w", err)
	}
	if t.Unix() <= 0 {
		return time.Time{}, nil
	}
	return t, nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, jobName string) (Checkpoint, error) {
	query := `
		INSERT INTO app_core.etl_checkpoint (job_name, last_offset)
		VALUES ($1, 0)
		ON CONFLICT (job_name) DO UPDATE SET job_name = EXCLUDED.job_name
		RETURNING job_name, last_offset, last_run
	`
	var cp Checkpoint
	if err := s.pool.QueryRow(ctx, query, jobName).Scan(&cp.JobName, &cp.LastOffset, &cp.LastRun); err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", jobName, err)
	}
	return cp, nil
}

func (s *PostgresStore) AdvanceCheckpoint(ctx context.Context, jobName string, offset int64) error {
	query := `
		INSERT INTO app_core.etl_checkpoint (job_name, last_offset, last_run)
		VALUES ($1, $2, now())
		ON CONFLICT (job_name)
		DO UPDATE SET last_offset = EXCLUDED.last_offset, last_run = now()
	`
	if _, err := s.pool.Exec(ctx, query, jobName, offset); err != nil {
		return fmt.Errorf("advance checkpoint %s: %w", jobName, err)
	}
	return nil
}

// AcquireLock claims the job lock in a single statement so two concurrent
// processes cannot both win. The conditional upsert only fires when the held
// lock is released or stale.
func (s *PostgresStore) AcquireLock(ctx context.Context, jobName string, staleAfter time.Duration) (bool, *Lock, error) {
	var prior *Lock
	var l Lock
	err := s.pool.QueryRow(ctx,
		`SELECT job_name, started_at, status FROM app_core.etl_lock WHERE job_name = $1`,
		jobName).Scan(&l.JobName, &l.StartedAt, &l.Status)
	switch {
	case err == nil:
		prior = &l
	case errors.Is(err, pgx.ErrNoRows):
		// no holder
	default:
		return false, nil, fmt.Errorf("read lock %s: %w", jobName, err)
	}

	// staleAfter <= 0 disables reclaim entirely.
	staleSecs := staleAfter.Seconds()
	if staleSecs <= 0 {
		staleSecs = 86400 * 365 * 100
	}
	query := `
		INSERT INTO app_core.etl_lock (job_name, started_at, status)
		VALUES ($1, now(), 'running')
		ON CONFLICT (job_name) DO UPDATE SET started_at = now(), status = 'running'
		WHERE app_core.etl_lock.status <> 'running'
		   OR app_core.etl_lock.started_at < now() - make_interval(secs => $2)
	`
	tag, err := s.pool.Exec(ctx, query, jobName, staleSecs)
	if err != nil {
		return false, prior, fmt.Errorf("acquire lock %s: %w", jobName, err)
	}
	acquired := tag.RowsAffected() == 1
	if acquired && (prior == nil || prior.Status != "running") {
		prior = nil
	}
	return acquired, prior, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, jobName string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM app_core.etl_lock WHERE job_name = $1`, jobName); err != nil {
		return fmt.Errorf("release lock %s: %w", jobName, err)
	}
	return nil
}

func (s *PostgresStore) TruncateOrders(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE app_core.purchase_order_headers, app_core.purchase_order_items`)
	if err != nil {
		return fmt.Errorf("truncate orders: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// wrapPartitionErr maps "no partition of relation found for row" (SQLSTATE
// 23514) to ErrPartitionMissing so the writer can provision and retry.
func wrapPartitionErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return fmt.Errorf("%w: %s", ErrPartitionMissing, pgErr.Message)
	}
	return err
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
