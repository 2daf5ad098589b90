// Package store defines the persistence interface for gatehouse and provides
// in-memory, SQLite, and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEmployeeID is returned when creating an identity whose
	// employee_id is already registered.
	ErrDuplicateEmployeeID = errors.New("employee_id already exists")
	// ErrStatusConflict is returned by UpdateRequest when the request's
	// current status does not match RequestUpdate.ExpectStatus.
	ErrStatusConflict = errors.New("request status conflict")
)

// Identity status values.
const (
	StatusActive     = "active"
	StatusInactive   = "inactive"
	StatusPreHire    = "pre-hire"
	StatusTerminated = "terminated"
)

// Identity lifecycle states.
const (
	LifecycleJoiner = "joiner"
	LifecycleMover  = "mover"
	LifecycleLeaver = "leaver"
	LifecycleStable = "stable"
)

// Identity risk scores.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Access request statuses. A request only ever moves from pending to one of
// the terminal states.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
	RequestFailed   = "failed"
)

// Audit event statuses.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// Account holds the native handles a downstream system knows a user by.
type Account struct {
	// Login is the primary handle recorded for the user: the AzureAD UPN,
	// the GitHub username, or the Slack user id.
	Login string `json:"login"`
	// MemberKey is the handle the connector keys group membership and
	// disable operations by. AzureAD uses the objectId and Slack uses the
	// email address; for GitHub it equals Login.
	MemberKey string `json:"member_key"`
}

// Identity is one workforce identity, the authoritative record the JML
// engine maintains.
type Identity struct {
	ID             string             `json:"id"`
	EmployeeID     string             `json:"employee_id"`
	FirstName      string             `json:"first_name"`
	LastName       string             `json:"last_name"`
	Email          string             `json:"email"`
	Department     string             `json:"department"`
	JobTitle       string             `json:"job_title"`
	Location       string             `json:"location,omitempty"`
	ManagerID      string             `json:"manager_id,omitempty"`
	Status         string             `json:"status"`
	LifecycleState string             `json:"lifecycle_state"`
	RiskScore      string             `json:"risk_score"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Entitlements   []string           `json:"entitlements"`
	Accounts       map[string]Account `json:"accounts"`
}

// IdentityUpdate is a partial update applied to an identity. Nil fields are
// left unchanged. The store refreshes updated_at on every apply.
type IdentityUpdate struct {
	FirstName      *string
	LastName       *string
	Email          *string
	Department     *string
	JobTitle       *string
	Location       *string
	ManagerID      *string
	Status         *string
	LifecycleState *string
	RiskScore      *string
	Entitlements   []string // nil = unchanged; empty slice clears
	Accounts       map[string]Account
}

// AccessRequest is one access request workflow instance.
type AccessRequest struct {
	ID               string    `json:"id"`
	RequesterID      string    `json:"requester_id"`
	TargetIdentityID string    `json:"target_identity_id"`
	Entitlement      string    `json:"entitlement"`
	Justification    string    `json:"justification"`
	Status           string    `json:"status"`
	ApproverID       string    `json:"approver_id,omitempty"`
	Comments         string    `json:"comments,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RequestUpdate is a partial update applied to an access request. When
// ExpectStatus is non-empty the update only applies if the request currently
// has that status; a mismatch fails with ErrStatusConflict and leaves the
// request untouched. This is the compare-and-swap that keeps a terminal
// request from being overwritten by a concurrent approve/reject.
type RequestUpdate struct {
	Status       *string
	ApproverID   *string
	Comments     *string
	ExpectStatus string
}

// AuditEvent is one immutable entry in the append-only audit ledger.
// Seq is assigned by the store on append and is strictly monotone, so
// events with equal timestamps still have a deterministic order.
type AuditEvent struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Details   map[string]any `json:"details,omitempty"`
	Status    string         `json:"status"`
}

// DefaultAuditLimit caps audit listings when the caller does not specify one.
const DefaultAuditLimit = 100

// Store is the persistence interface for gatehouse. All reads and writes are
// linearizable; CreateIdentity updates the employee_id index atomically with
// the insert so the uniqueness invariant holds under concurrent joiners.
type Store interface {
	// Identities
	CreateIdentity(ctx context.Context, ident *Identity) error
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	GetIdentityByEmployeeID(ctx context.Context, employeeID string) (*Identity, error)
	UpdateIdentity(ctx context.Context, id string, upd IdentityUpdate) (*Identity, error)
	ListIdentities(ctx context.Context) ([]Identity, error)

	// Access requests
	CreateRequest(ctx context.Context, req *AccessRequest) error
	GetRequest(ctx context.Context, id string) (*AccessRequest, error)
	// UpdateRequest applies a partial update. The status check implied by
	// upd.ExpectStatus is atomic with the write.
	UpdateRequest(ctx context.Context, id string, upd RequestUpdate) (*AccessRequest, error)
	// ListRequests returns requests newest first, optionally filtered by
	// status ("" = all).
	ListRequests(ctx context.Context, status string) ([]AccessRequest, error)

	// Audit ledger. AppendAuditEvent assigns Seq and fills defaults
	// (timestamp, actor "system", status "success"); events are never
	// mutated or deleted afterwards.
	AppendAuditEvent(ctx context.Context, ev *AuditEvent) error
	// ListAuditEvents returns events newest first; limit <= 0 means
	// DefaultAuditLimit.
	ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error)
	ListAuditEventsByTarget(ctx context.Context, target string) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// NormalizeEntitlements deduplicates and sorts an entitlement list so the
// stored representation has set semantics regardless of arrival order.
func NormalizeEntitlements(ents []string) []string {
	seen := make(map[string]bool, len(ents))
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func (u IdentityUpdate) apply(ident *Identity) {
	if u.FirstName != nil {
		ident.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		ident.LastName = *u.LastName
	}
	if u.Email != nil {
		ident.Email = *u.Email
	}
	if u.Department != nil {
		ident.Department = *u.Department
	}
	if u.JobTitle != nil {
		ident.JobTitle = *u.JobTitle
	}
	if u.Location != nil {
		ident.Location = *u.Location
	}
	if u.ManagerID != nil {
		ident.ManagerID = *u.ManagerID
	}
	if u.Status != nil {
		ident.Status = *u.Status
	}
	if u.LifecycleState != nil {
		ident.LifecycleState = *u.LifecycleState
	}
	if u.RiskScore != nil {
		ident.RiskScore = *u.RiskScore
	}
	if u.Entitlements != nil {
		ident.Entitlements = NormalizeEntitlements(u.Entitlements)
	}
	if u.Accounts != nil {
		accounts := make(map[string]Account, len(u.Accounts))
		for k, v := range u.Accounts {
			accounts[k] = v
		}
		ident.Accounts = accounts
	}
	ident.UpdatedAt = time.Now()
}

func (u RequestUpdate) apply(req *AccessRequest) {
	if u.Status != nil {
		req.Status = *u.Status
	}
	if u.ApproverID != nil {
		req.ApproverID = *u.ApproverID
	}
	if u.Comments != nil {
		req.Comments = *u.Comments
	}
	req.UpdatedAt = time.Now()
}

// StringPtr returns a pointer to s, for building partial updates.
func StringPtr(s string) *string {
	return &s
}
