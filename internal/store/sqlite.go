package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data. Without this, each pooled connection gets a
	// separate empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
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
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			entitlements TEXT NOT NULL DEFAULT '[]',
			accounts TEXT NOT NULL DEFAULT '{}'
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
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON access_requests(status)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			timestamp DATETIME NOT NULL,
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Identities ---

const identityColumns = `id, employee_id, first_name, last_name, email, department, job_title,
	location, manager_id, status, lifecycle_state, risk_score, created_at, updated_at,
	entitlements, accounts`

func (s *SQLiteStore) CreateIdentity(ctx context.Context, ident *Identity) error {
	ents, accounts, err := encodeIdentityJSON(ident)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ident.ID, ident.EmployeeID, ident.FirstName, ident.LastName, ident.Email,
		ident.Department, ident.JobTitle, ident.Location, ident.ManagerID,
		ident.Status, ident.LifecycleState, ident.RiskScore,
		ident.CreatedAt, ident.UpdatedAt, ents, accounts,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("identity with employee_id %s: %w", ident.EmployeeID, ErrDuplicateEmployeeID)
	}
	return err
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	return ident, err
}

func (s *SQLiteStore) GetIdentityByEmployeeID(ctx context.Context, employeeID string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE employee_id = ?`, employeeID)
	ident, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("identity with employee_id %s: %w", employeeID, ErrNotFound)
	}
	return ident, err
}

func (s *SQLiteStore) UpdateIdentity(ctx context.Context, id string, upd IdentityUpdate) (*Identity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
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
		`UPDATE identities SET first_name=?, last_name=?, email=?, department=?,
		 job_title=?, location=?, manager_id=?, status=?, lifecycle_state=?,
		 risk_score=?, updated_at=?, entitlements=?, accounts=? WHERE id=?`,
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

func (s *SQLiteStore) ListIdentities(ctx context.Context) ([]Identity, error) {
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

const requestColumns = `id, requester_id, target_identity_id, entitlement, justification,
	status, approver_id, comments, created_at, updated_at`

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *AccessRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RequesterID, req.TargetIdentityID, req.Entitlement,
		req.Justification, req.Status, req.ApproverID, req.Comments,
		req.CreatedAt, req.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*AccessRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM access_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return req, err
}

func (s *SQLiteStore) UpdateRequest(ctx context.Context, id string, upd RequestUpdate) (*AccessRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM access_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if upd.ExpectStatus != "" && req.Status != upd.ExpectStatus {
		return nil, fmt.Errorf("request %s is %s: %w", id, req.Status, ErrStatusConflict)
	}

	upd.apply(req)
	_, err = tx.ExecContext(ctx,
		`UPDATE access_requests SET status=?, approver_id=?, comments=?, updated_at=? WHERE id=?`,
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

func (s *SQLiteStore) ListRequests(ctx context.Context, status string) ([]AccessRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM access_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

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

func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, ev *AuditEvent) error {
	fillAuditDefaults(ev)

	details := ""
	if ev.Details != nil {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, timestamp, actor, action, target, details, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp, ev.Actor, ev.Action, ev.Target, details, ev.Status,
	)
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ev.Seq = seq
	return nil
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, timestamp, actor, action, target, details, status
		 FROM audit_events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

func (s *SQLiteStore) ListAuditEventsByTarget(ctx context.Context, target string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, timestamp, actor, action, target, details, status
		 FROM audit_events WHERE target = ? ORDER BY seq DESC`, target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

// --- Scan helpers (shared with the postgres backend) ---

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeIdentityJSON(ident *Identity) (string, string, error) {
	ents := ident.Entitlements
	if ents == nil {
		ents = []string{}
	}
	entsJSON, err := json.Marshal(ents)
	if err != nil {
		return "", "", fmt.Errorf("marshal entitlements: %w", err)
	}

	accounts := ident.Accounts
	if accounts == nil {
		accounts = map[string]Account{}
	}
	accountsJSON, err := json.Marshal(accounts)
	if err != nil {
		return "", "", fmt.Errorf("marshal accounts: %w", err)
	}
	return string(entsJSON), string(accountsJSON), nil
}

func scanIdentity(row rowScanner) (*Identity, error) {
	var ident Identity
	var ents, accounts string
	err := row.Scan(&ident.ID, &ident.EmployeeID, &ident.FirstName, &ident.LastName,
		&ident.Email, &ident.Department, &ident.JobTitle, &ident.Location,
		&ident.ManagerID, &ident.Status, &ident.LifecycleState, &ident.RiskScore,
		&ident.CreatedAt, &ident.UpdatedAt, &ents, &accounts)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ents), &ident.Entitlements); err != nil {
		return nil, fmt.Errorf("unmarshal entitlements: %w", err)
	}
	if err := json.Unmarshal([]byte(accounts), &ident.Accounts); err != nil {
		return nil, fmt.Errorf("unmarshal accounts: %w", err)
	}
	return &ident, nil
}

func scanRequest(row rowScanner) (*AccessRequest, error) {
	var req AccessRequest
	err := row.Scan(&req.ID, &req.RequesterID, &req.TargetIdentityID, &req.Entitlement,
		&req.Justification, &req.Status, &req.ApproverID, &req.Comments,
		&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func collectAuditEvents(rows *sql.Rows) ([]AuditEvent, error) {
	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var details string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Timestamp, &ev.Actor, &ev.Action,
			&ev.Target, &details, &ev.Status); err != nil {
			return nil, err
		}
		if details != "" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
