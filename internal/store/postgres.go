package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			employee_id TEXT UNIQUE NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			department TEXT NOT NULL DEFAULT '',
			job_title TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			manager_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			lifecycle_state TEXT NOT NULL DEFAULT 'joiner',
			risk_score TEXT NOT NULL DEFAULT 'low',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			entitlements JSONB NOT NULL DEFAULT '[]',
			accounts JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS access_requests (
			id TEXT PRIMARY KEY,
			requester_id TEXT NOT NULL,
			target_identity_id TEXT NOT NULL,
			entitlement TEXT NOT NULL,
			justification TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			approver_id TEXT NOT NULL DEFAULT '',
			comments TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON access_requests(status)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT UNIQUE NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			actor TEXT NOT NULL DEFAULT 'system',
			action TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'success'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_events(target)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Identities ---

func (s *PostgresStore) CreateIdentity(ctx context.Context, ident *Identity) error {
	ents, accounts, err := encodeIdentityJSON(ident)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		ident.ID, ident.EmployeeID, ident.FirstName, ident.LastName, ident.Email,
		ident.Department, ident.JobTitle, ident.Location, ident.ManagerID,
		ident.Status, ident.LifecycleState, ident.RiskScore,
		ident.CreatedAt, ident.UpdatedAt, ents, accounts,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key value") {
		return fmt.Errorf("identity with employee_id %s: %w", ident.EmployeeID, ErrDuplicateEmployeeID)
	}
	return err
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	return ident, err
}

func (s *PostgresStore) GetIdentityByEmployeeID(ctx context.Context, employeeID string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE employee_id = $1`, employeeID)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("identity with employee_id %s: %w", employeeID, ErrNotFound)
	}
	return ident, err
}

func (s *PostgresStore) UpdateIdentity(ctx context.Context, id string, upd IdentityUpdate) (*Identity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1 FOR UPDATE`, id)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	upd.apply(ident)
	ents, accounts, err := encodeIdentityJSON(ident)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE identities SET first_name=$1, last_name=$2, email=$3, department=$4,
		 job_title=$5, location=$6, manager_id=$7, status=$8, lifecycle_state=$9,
		 risk_score=$10, updated_at=$11, entitlements=$12, accounts=$13 WHERE id=$14`,
		ident.FirstName, ident.LastName, ident.Email, ident.Department,
		ident.JobTitle, ident.Location, ident.ManagerID, ident.Status,
		ident.LifecycleState, ident.RiskScore, ident.UpdatedAt, ents, accounts, id,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ident, nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var idents []Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		idents = append(idents, *ident)
	}
	return idents, rows.Err()
}

// --- Access requests ---

func (s *PostgresStore) CreateRequest(ctx context.Context, req *AccessRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.RequesterID, req.TargetIdentityID, req.Entitlement,
		req.Justification, req.Status, req.ApproverID, req.Comments,
		req.CreatedAt, req.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*AccessRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM access_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return req, err
}

func (s *PostgresStore) UpdateRequest(ctx context.Context, id string, upd RequestUpdate) (*AccessRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM access_requests WHERE id = $1 FOR UPDATE`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	// The row is locked FOR UPDATE, so this check is atomic with the write.
	if upd.ExpectStatus != "" && req.Status != upd.ExpectStatus {
		return nil, fmt.Errorf("request %s is %s: %w", id, req.Status, ErrStatusConflict)
	}

	upd.apply(req)
	_, err = tx.ExecContext(ctx,
		`UPDATE access_requests SET status=$1, approver_id=$2, comments=$3, updated_at=$4 WHERE id=$5`,
		req.Status, req.ApproverID, req.Comments, req.UpdatedAt, id,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, status string) ([]AccessRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM access_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []AccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

// --- Audit ledger ---

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, ev *AuditEvent) error {
	fillAuditDefaults(ev)

	details := ""
	if ev.Details != nil {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = string(b)
	}

	return s.db.QueryRowContext(ctx,
		`INSERT INTO audit_events (id, timestamp, actor, action, target, details, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
		ev.ID, ev.Timestamp, ev.Actor, ev.Action, ev.Target, details, ev.Status,
	).Scan(&ev.Seq)
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, timestamp, actor, action, target, details, status
		 FROM audit_events ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

func (s *PostgresStore) ListAuditEventsByTarget(ctx context.Context, target string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, timestamp, actor, action, target, details, status
		 FROM audit_events WHERE target = $1 ORDER BY seq DESC`, target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}
