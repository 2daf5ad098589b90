// Package engine contains the JML engine, which consumes HR lifecycle events
// and reconciles downstream accounts and group memberships, and the access
// request engine, which drives the approval workflow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/connector"
	"github.com/gatehouse-io/gatehouse/internal/policy"
	"github.com/gatehouse-io/gatehouse/internal/store"
)

// Engine errors mapped to HTTP status codes by the server.
var (
	// ErrValidation marks malformed input, duplicate employee ids, and
	// self-approval attempts.
	ErrValidation = errors.New("validation failed")
	// ErrStateViolation marks transitions out of a terminal request state.
	ErrStateViolation = errors.New("invalid state transition")
)

// HR event types.
const (
	EmployeeCreated    = "EmployeeCreated"
	EmployeeUpdated    = "EmployeeUpdated"
	EmployeeTerminated = "EmployeeTerminated"
)

// HREvent is one event from the HR feed. Optional fields are pointers so a
// mover payload can distinguish "absent" from "set to empty".
type HREvent struct {
	Type       string
	EmployeeID string
	FirstName  *string
	LastName   *string
	Email      *string
	Department *string
	JobTitle   *string
	Location   *string
}

// Result statuses for ProcessEvent.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusIgnored = "ignored"
)

// Result is the outcome of processing one HR event.
type Result struct {
	Status     string `json:"status"`
	IdentityID string `json:"identity_id,omitempty"`
	Message    string `json:"message,omitempty"`
}

// JML orchestrates joiner/mover/leaver processing: identity lifecycle in the
// store, account provisioning across connectors, and the audit trail.
type JML struct {
	store      store.Store
	connectors *connector.Registry
	policy     *policy.Engine
	logger     *slog.Logger
	locks      *keyedLocks
	timeout    time.Duration
}

// NewJML creates a JML engine. timeout bounds each connector fan-out.
func NewJML(st store.Store, reg *connector.Registry, pol *policy.Engine, timeout time.Duration, logger *slog.Logger) *JML {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &JML{
		store:      st,
		connectors: reg,
		policy:     pol,
		logger:     logger.With("component", "jml"),
		locks:      newKeyedLocks(),
		timeout:    timeout,
	}
}

// ProcessEvent dispatches an HR event. Unknown types are ignored; any
// internal failure is caught and returned as a Result, never as a panic or
// error to the caller.
func (e *JML) ProcessEvent(ctx context.Context, ev HREvent) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while processing event", "type", ev.Type, "employee_id", ev.EmployeeID, "panic", r)
			res = Result{Status: StatusError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	e.logger.Info("processing event", "type", ev.Type, "employee_id", ev.EmployeeID)

	switch ev.Type {
	case EmployeeCreated:
		return e.handleJoiner(ctx, ev)
	case EmployeeUpdated:
		return e.handleMover(ctx, ev)
	case EmployeeTerminated:
		return e.handleLeaver(ctx, ev)
	default:
		e.logger.Warn("unknown event type", "type", ev.Type)
		return Result{Status: StatusIgnored, Message: "unknown event type"}
	}
}

// --- Joiner ---

func (e *JML) handleJoiner(ctx context.Context, ev HREvent) Result {
	if err := validateJoiner(ev); err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}

	unlock := e.locks.lock(ev.EmployeeID)
	defer unlock()

	now := time.Now()
	ident := &store.Identity{
		ID:             uuid.New().String(),
		EmployeeID:     ev.EmployeeID,
		FirstName:      *ev.FirstName,
		LastName:       *ev.LastName,
		Email:          *ev.Email,
		Department:     *ev.Department,
		JobTitle:       *ev.JobTitle,
		Status:         store.StatusActive,
		LifecycleState: store.LifecycleJoiner,
		RiskScore:      store.RiskLow,
		CreatedAt:      now,
		UpdatedAt:      now,
		Accounts:       map[string]store.Account{},
	}
	if ev.Location != nil {
		ident.Location = *ev.Location
	}

	if err := e.store.CreateIdentity(ctx, ident); err != nil {
		e.logger.Error("identity creation failed", "employee_id", ev.EmployeeID, "error", err)
		return Result{Status: StatusError, Message: err.Error()}
	}
	e.audit(ctx, "create_identity", ident.Email, map[string]any{
		"employee_id": ident.EmployeeID,
		"department":  ident.Department,
		"job_title":   ident.JobTitle,
	})

	desired := e.policy.Birthright(ident.Department)
	e.logger.Info("calculated birthright entitlements", "email", ident.Email, "entitlements", desired)

	fanCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	newUser := profileToNewUser(ident)
	accounts := map[string]store.Account{}

	// AzureAD and Slack accounts are always provisioned; GitHub only when
	// the birthright set references it.
	for _, name := range []string{connector.NameAzureAD, connector.NameSlack} {
		if err := e.createAccount(fanCtx, name, ident, newUser, accounts); err != nil {
			return Result{Status: StatusError, Message: err.Error()}
		}
	}
	if anyWithSystem(desired, connector.SystemGitHub) {
		if err := e.createAccount(fanCtx, connector.NameGitHub, ident, newUser, accounts); err != nil {
			return Result{Status: StatusError, Message: err.Error()}
		}
	}

	for _, ent := range desired {
		if _, err := e.provisionOne(fanCtx, ident, accounts, ent, false); err != nil {
			return Result{Status: StatusError, Message: err.Error()}
		}
	}

	// The ledger is written only after the full batch succeeded; a failure
	// above leaves downstream ahead of the ledger, which a reconciliation
	// job would repair.
	if _, err := e.store.UpdateIdentity(ctx, ident.ID, store.IdentityUpdate{
		Entitlements: desired,
		Accounts:     accounts,
	}); err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}

	e.logger.Info("joiner flow completed", "email", ident.Email, "identity_id", ident.ID)
	return Result{Status: StatusSuccess, IdentityID: ident.ID}
}

func (e *JML) createAccount(ctx context.Context, name string, ident *store.Identity, u connector.NewUser, accounts map[string]store.Account) error {
	conn, ok := e.connectors.ByName(name)
	if !ok {
		return nil // connector disabled by configuration
	}
	acct, err := conn.CreateUser(ctx, u)
	if err != nil {
		e.auditFailure(ctx, "provision_account", ident.Email, map[string]any{
			"system": conn.System(), "error": err.Error(),
		})
		return fmt.Errorf("provision %s account: %w", conn.System(), err)
	}
	accounts[name] = acct
	e.audit(ctx, "provision_account", ident.Email, map[string]any{"system": conn.System()})
	return nil
}

// --- Mover ---

func (e *JML) handleMover(ctx context.Context, ev HREvent) Result {
	unlock := e.locks.lock(ev.EmployeeID)
	defer unlock()

	ident, err := e.store.GetIdentityByEmployeeID(ctx, ev.EmployeeID)
	if err != nil {
		return Result{Status: StatusError, Message: "identity not found"}
	}

	oldDept := ident.Department
	newDept := oldDept
	if ev.Department != nil {
		newDept = *ev.Department
	}

	updated, err := e.store.UpdateIdentity(ctx, ident.ID, store.IdentityUpdate{
		FirstName:  ev.FirstName,
		LastName:   ev.LastName,
		Email:      ev.Email,
		Department: ev.Department,
		JobTitle:   ev.JobTitle,
		Location:   ev.Location,
	})
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	e.audit(ctx, "update_identity", updated.Email, moverDetails(ev))

	if oldDept != newDept {
		e.logger.Info("department change detected", "email", updated.Email, "from", oldDept, "to", newDept)
		if res := e.applyDepartmentMove(ctx, updated, oldDept, newDept); res != nil {
			return *res
		}
	}

	return Result{Status: StatusSuccess, IdentityID: updated.ID, Message: "mover processed"}
}

func (e *JML) applyDepartmentMove(ctx context.Context, ident *store.Identity, oldDept, newDept string) *Result {
	newEnts := e.policy.Birthright(newDept)
	revoke := e.policy.Revocation(oldDept, newDept)

	fanCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	accounts := make(map[string]store.Account, len(ident.Accounts))
	for k, v := range ident.Accounts {
		accounts[k] = v
	}

	accountsChanged := false
	for _, ent := range newEnts {
		created, err := e.provisionOne(fanCtx, ident, accounts, ent, true)
		if err != nil {
			return &Result{Status: StatusError, Message: err.Error()}
		}
		accountsChanged = accountsChanged || created
	}

	for _, ent := range revoke {
		if err := e.revokeOne(fanCtx, ident, accounts, ent); err != nil {
			return &Result{Status: StatusError, Message: err.Error()}
		}
	}

	final := entitlementUnion(entitlementDiff(ident.Entitlements, revoke), newEnts)
	upd := store.IdentityUpdate{Entitlements: final}
	if accountsChanged {
		upd.Accounts = accounts
	}
	if _, err := e.store.UpdateIdentity(ctx, ident.ID, upd); err != nil {
		return &Result{Status: StatusError, Message: err.Error()}
	}
	return nil
}

// --- Leaver ---

func (e *JML) handleLeaver(ctx context.Context, ev HREvent) Result {
	unlock := e.locks.lock(ev.EmployeeID)
	defer unlock()

	ident, err := e.store.GetIdentityByEmployeeID(ctx, ev.EmployeeID)
	if err != nil {
		return Result{Status: StatusError, Message: "identity not found"}
	}

	fanCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	for _, conn := range e.connectors.All() {
		acct, ok := ident.Accounts[conn.Name()]
		if !ok {
			continue
		}
		if err := conn.Disable(fanCtx, acct.MemberKey); err != nil {
			e.auditFailure(ctx, "disable_account", ident.Email, map[string]any{
				"system": conn.System(), "error": err.Error(),
			})
			if errors.Is(err, connector.ErrUserNotFound) {
				continue // tolerated: nothing downstream to disable
			}
			return Result{Status: StatusError, Message: fmt.Sprintf("disable %s account: %v", conn.System(), err)}
		}
		e.audit(ctx, "disable_account", ident.Email, map[string]any{"system": conn.System()})
	}

	if _, err := e.store.UpdateIdentity(ctx, ident.ID, store.IdentityUpdate{
		Status:         store.StringPtr(store.StatusTerminated),
		LifecycleState: store.StringPtr(store.LifecycleLeaver),
		Entitlements:   []string{},
	}); err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	e.audit(ctx, "terminate_identity", ident.Email, nil)

	e.logger.Info("leaver flow completed", "email", ident.Email)
	return Result{Status: StatusSuccess, IdentityID: ident.ID, Message: "leaver processed"}
}

// --- Ad-hoc provisioning ---

// ProvisionEntitlement grants a single entitlement to an identity, used by
// the access request engine on approval. The insert into the identity's
// entitlement set is idempotent.
func (e *JML) ProvisionEntitlement(ctx context.Context, identityID, ent string) error {
	ident, err := e.store.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(ident.EmployeeID)
	defer unlock()

	// Re-read under the lock; the identity may have changed.
	ident, err = e.store.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}

	e.logger.Info("provisioning ad-hoc entitlement", "email", ident.Email, "entitlement", ent)

	fanCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	accounts := make(map[string]store.Account, len(ident.Accounts))
	for k, v := range ident.Accounts {
		accounts[k] = v
	}

	created, err := e.provisionOne(fanCtx, ident, accounts, ent, true)
	if err != nil {
		// provisionOne already recorded the failing step.
		return err
	}

	upd := store.IdentityUpdate{Entitlements: append(ident.Entitlements, ent)}
	if created {
		upd.Accounts = accounts
	}
	if _, err := e.store.UpdateIdentity(ctx, ident.ID, upd); err != nil {
		return err
	}

	e.audit(ctx, "grant_access", ident.Email, map[string]any{
		"entitlement": ent, "source": "access_request",
	})
	return nil
}

// --- Connector dispatch ---

// provisionOne routes a single entitlement to its connector. Systems with no
// registered connector are dropped silently. When lazyCreate is set and the
// connector has no account for the identity yet, one is created from the
// stored profile (a mover into a department that introduces a new system).
// Returns whether a new account was added to accounts.
func (e *JML) provisionOne(ctx context.Context, ident *store.Identity, accounts map[string]store.Account, ent string, lazyCreate bool) (bool, error) {
	system, group, err := policy.SplitEntitlement(ent)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	conn, ok := e.connectors.BySystem(system)
	if !ok {
		return false, nil
	}

	created := false
	acct, ok := accounts[conn.Name()]
	if !ok {
		if !lazyCreate {
			return false, nil
		}
		acct, err = conn.CreateUser(ctx, profileToNewUser(ident))
		if err != nil {
			e.auditFailure(ctx, "provision_account", ident.Email, map[string]any{
				"system": conn.System(), "error": err.Error(),
			})
			return false, fmt.Errorf("provision %s account: %w", conn.System(), err)
		}
		accounts[conn.Name()] = acct
		created = true
		e.audit(ctx, "provision_account", ident.Email, map[string]any{"system": conn.System()})
	}

	if err := conn.AddToGroup(ctx, acct.MemberKey, group); err != nil {
		e.auditFailure(ctx, "grant_access", ident.Email, map[string]any{
			"entitlement": ent, "error": err.Error(),
		})
		return created, fmt.Errorf("add to %s group %s: %w", system, group, err)
	}
	return created, nil
}

// revokeOne removes a single entitlement's group membership; one
// revoke_access audit event is emitted per successful removal.
func (e *JML) revokeOne(ctx context.Context, ident *store.Identity, accounts map[string]store.Account, ent string) error {
	system, group, err := policy.SplitEntitlement(ent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	conn, ok := e.connectors.BySystem(system)
	if !ok {
		return nil
	}
	acct, ok := accounts[conn.Name()]
	if !ok {
		return nil
	}

	if err := conn.RemoveFromGroup(ctx, acct.MemberKey, group); err != nil {
		e.auditFailure(ctx, "revoke_access", ident.Email, map[string]any{
			"entitlement": ent, "error": err.Error(),
		})
		return fmt.Errorf("remove from %s group %s: %w", system, group, err)
	}
	e.audit(ctx, "revoke_access", ident.Email, map[string]any{"entitlement": ent})
	return nil
}

// --- Audit helpers ---

// audit appends a success event. Audit writes survive fan-out cancellation
// so partial failures are still recorded.
func (e *JML) audit(ctx context.Context, action, target string, details map[string]any) {
	e.appendAudit(ctx, action, target, details, store.AuditSuccess)
}

func (e *JML) auditFailure(ctx context.Context, action, target string, details map[string]any) {
	e.appendAudit(ctx, action, target, details, store.AuditFailure)
}

func (e *JML) appendAudit(ctx context.Context, action, target string, details map[string]any, status string) {
	ev := &store.AuditEvent{
		ID:      uuid.New().String(),
		Action:  action,
		Target:  target,
		Details: details,
		Status:  status,
	}
	if err := e.store.AppendAuditEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("failed to append audit event", "action", action, "error", err)
	}
}

// --- Helpers ---

func validateJoiner(ev HREvent) error {
	if ev.EmployeeID == "" {
		return fmt.Errorf("%w: employee_id is required", ErrValidation)
	}
	required := map[string]*string{
		"first_name": ev.FirstName,
		"last_name":  ev.LastName,
		"email":      ev.Email,
		"department": ev.Department,
		"job_title":  ev.JobTitle,
	}
	for field, val := range required {
		if val == nil || *val == "" {
			return fmt.Errorf("%w: %s is required for %s", ErrValidation, field, EmployeeCreated)
		}
	}
	return nil
}

func profileToNewUser(ident *store.Identity) connector.NewUser {
	return connector.NewUser{
		FirstName:  ident.FirstName,
		LastName:   ident.LastName,
		Email:      ident.Email,
		Department: ident.Department,
		JobTitle:   ident.JobTitle,
	}
}

func anyWithSystem(ents []string, system string) bool {
	prefix := system + ":"
	for _, ent := range ents {
		if strings.HasPrefix(ent, prefix) {
			return true
		}
	}
	return false
}

func moverDetails(ev HREvent) map[string]any {
	details := map[string]any{"employee_id": ev.EmployeeID}
	set := func(key string, val *string) {
		if val != nil {
			details[key] = *val
		}
	}
	set("first_name", ev.FirstName)
	set("last_name", ev.LastName)
	set("email", ev.Email)
	set("department", ev.Department)
	set("job_title", ev.JobTitle)
	set("location", ev.Location)
	return details
}

func entitlementDiff(ents, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, ent := range remove {
		drop[ent] = struct{}{}
	}
	var out []string
	for _, ent := range ents {
		if _, ok := drop[ent]; !ok {
			out = append(out, ent)
		}
	}
	return out
}

func entitlementUnion(a, b []string) []string {
	return store.NormalizeEntitlements(append(append([]string{}, a...), b...))
}
