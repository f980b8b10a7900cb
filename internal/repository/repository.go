// Package repository provides the SQL transaction store and cluster sink.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/normalizer"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// openTimeout bounds connecting and migrating at startup.
const openTimeout = 15 * time.Second

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
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

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := runMigrations(db, cfg.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// SaveTransactions stores raw transactions. Re-posting an existing id is a no-op.
func (r *SQLRepository) SaveTransactions(ctx context.Context, tenantID string, txs []domain.RawTransaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	for i, tx := range txs {
		if tx.ID == "" || strings.TrimSpace(tx.FromAccountID) == "" {
			return fmt.Errorf("%w: transaction %d requires id and fromAccountId", ErrInvalidInput, i)
		}
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	stmt, err := dbtx.PrepareContext(ctx, r.rebind(`
		INSERT INTO transactions (
			id, tenant_id, from_account_id, to_account_id, to_account_number,
			amount, timestamp, occurred_at, device_id, device_fingerprint_id,
			ip_address, asn, is_vpn, session_anomaly_score, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, tx := range txs {
		occurred := normalizer.ParseTimestamp(tx.Timestamp)
		if occurred.IsZero() {
			occurred = now
		}

		var vpn sql.NullInt64
		if tx.IsVPN != nil {
			vpn.Valid = true
			if *tx.IsVPN {
				vpn.Int64 = 1
			}
		}
		var session sql.NullFloat64
		if tx.SessionAnomalyScore != nil {
			session = sql.NullFloat64{Float64: *tx.SessionAnomalyScore, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			tx.ID, tenantID, tx.FromAccountID, tx.ToAccountID, tx.ToAccountNumber,
			tx.Amount.String(), tx.Timestamp, occurred.UnixMilli(), tx.DeviceID, tx.DeviceFingerprintID,
			tx.IPAddress, string(tx.ASN), vpn, session, now,
		); err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
		}
	}

	return dbtx.Commit()
}

// ListTransactionsSince returns the tenant's transactions that occurred at or after since,
// oldest first.
func (r *SQLRepository) ListTransactionsSince(ctx context.Context, tenantID string, since time.Time) ([]domain.RawTransaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, from_account_id, to_account_id, to_account_number, amount, timestamp,
			   device_id, device_fingerprint_id, ip_address, asn, is_vpn, session_anomaly_score
		FROM transactions
		WHERE tenant_id = ? AND occurred_at >= ?
		ORDER BY occurred_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.RawTransaction
	for rows.Next() {
		var tx domain.RawTransaction
		var toID, toNumber, ts, device, fingerprint, ip, asn sql.NullString
		var amount string
		var vpn sql.NullInt64
		var session sql.NullFloat64

		if err := rows.Scan(
			&tx.ID, &tx.FromAccountID, &toID, &toNumber, &amount, &ts,
			&device, &fingerprint, &ip, &asn, &vpn, &session,
		); err != nil {
			return nil, err
		}

		tx.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount of %s: %w", tx.ID, err)
		}
		tx.ToAccountID = toID.String
		tx.ToAccountNumber = toNumber.String
		tx.Timestamp = ts.String
		tx.DeviceID = device.String
		tx.DeviceFingerprintID = fingerprint.String
		tx.IPAddress = ip.String
		tx.ASN = domain.FlexString(asn.String)
		if vpn.Valid {
			v := vpn.Int64 == 1
			tx.IsVPN = &v
		}
		if session.Valid {
			s := session.Float64
			tx.SessionAnomalyScore = &s
		}
		txs = append(txs, tx)
	}

	return txs, rows.Err()
}

// ReplaceClusters deletes the tenant's stored clusters and inserts records in one transaction.
func (r *SQLRepository) ReplaceClusters(ctx context.Context, tenantID string, records []domain.ClusterRecord) error {
	if tenantID == "" {
		tenantID = domain.DefaultTenant
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, r.rebind(`DELETE FROM clusters WHERE tenant_id = ?`), tenantID); err != nil {
		return fmt.Errorf("failed to delete clusters: %w", err)
	}

	if len(records) > 0 {
		stmt, err := dbtx.PrepareContext(ctx, r.rebind(`
			INSERT INTO clusters (
				id, tenant_id, run_id, cluster_label, account_ids, risk_score,
				risk_level, metrics, explanation, edge_count, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`))
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			accounts, err := json.Marshal(rec.AccountIDs)
			if err != nil {
				return fmt.Errorf("failed to encode accounts: %w", err)
			}
			metrics, err := json.Marshal(rec.Metrics)
			if err != nil {
				return fmt.Errorf("failed to encode metrics: %w", err)
			}

			if _, err := stmt.ExecContext(ctx,
				rec.ID, tenantID, rec.RunID, rec.ClusterLabel, string(accounts), rec.RiskScore,
				string(rec.RiskLevel), string(metrics), rec.Explanation, rec.EdgeCount, rec.CreatedAt.UTC(),
			); err != nil {
				return fmt.Errorf("failed to insert cluster %s: %w", rec.ID, err)
			}
		}
	}

	return dbtx.Commit()
}

// ListClusters returns the tenant's stored clusters by descending risk.
func (r *SQLRepository) ListClusters(ctx context.Context, tenantID string) ([]domain.ClusterRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, run_id, cluster_label, account_ids, risk_score,
			   risk_level, metrics, explanation, edge_count, created_at
		FROM clusters
		WHERE tenant_id = ?
		ORDER BY risk_score DESC, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.ClusterRecord{}
	for rows.Next() {
		var rec domain.ClusterRecord
		var accounts, metrics, level string

		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.RunID, &rec.ClusterLabel, &accounts, &rec.RiskScore,
			&level, &metrics, &rec.Explanation, &rec.EdgeCount, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		rec.RiskLevel = domain.RiskLevel(level)
		if err := json.Unmarshal([]byte(accounts), &rec.AccountIDs); err != nil {
			return nil, fmt.Errorf("failed to parse accounts of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
			return nil, fmt.Errorf("failed to parse metrics of %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
