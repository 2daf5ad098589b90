package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/policy"
	"github.com/gatehouse-io/gatehouse/internal/store"
)

// Requests drives the access request workflow: submission, approval, and
// rejection. A request only ever transitions from pending to one terminal
// state; approval delegates provisioning to the JML engine.
//
// Approve and Reject hold a per-request lock for their whole body, so the
// pending check, provisioning, and the status write form one critical
// section. The store-level ExpectStatus guard backs this up when several
// processes share a SQL store.
type Requests struct {
	store  store.Store
	policy *policy.Engine
	jml    *JML
	locks  *keyedLocks
	logger *slog.Logger
}

// NewRequests creates a request engine.
func NewRequests(st store.Store, pol *policy.Engine, jml *JML, logger *slog.Logger) *Requests {
	return &Requests{
		store:  st,
		policy: pol,
		jml:    jml,
		locks:  newKeyedLocks(),
		logger: logger.With("component", "requests"),
	}
}

// Submit creates a pending access request. SoD conflicts are logged but do
// not block submission. The request targets the requester themselves.
func (e *Requests) Submit(ctx context.Context, requesterID, entitlement, justification string) (*store.AccessRequest, error) {
	requester, err := e.store.GetIdentity(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("requester: %w", err)
	}

	if _, _, err := policy.SplitEntitlement(entitlement); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	potential := append(append([]string{}, requester.Entitlements...), entitlement)
	for _, v := range e.policy.SoDViolations(potential) {
		e.logger.Warn("SoD violation detected for request",
			"requester", requester.Email, "entitlement", entitlement,
			"severity", v.Severity, "groups", v.Groups)
	}

	now := time.Now()
	req := &store.AccessRequest{
		ID:               uuid.New().String(),
		RequesterID:      requesterID,
		TargetIdentityID: requesterID,
		Entitlement:      entitlement,
		Justification:    justification,
		Status:           store.RequestPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	e.audit(ctx, "submit_request", requester.Email, "", map[string]any{
		"entitlement": entitlement, "request_id": req.ID,
	})
	e.logger.Info("access request submitted", "request_id", req.ID, "entitlement", entitlement)
	return req, nil
}

// Approve transitions a pending request to approved (or failed when
// provisioning fails) and grants the entitlement. Self-approval is rejected.
func (e *Requests) Approve(ctx context.Context, requestID, approverID string) (*store.AccessRequest, error) {
	unlock := e.locks.lock(requestID)
	defer unlock()

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != store.RequestPending {
		return nil, fmt.Errorf("request is %s, cannot approve: %w", req.Status, ErrStateViolation)
	}

	approver, err := e.store.GetIdentity(ctx, approverID)
	if err != nil {
		return nil, fmt.Errorf("approver: %w", err)
	}
	if req.RequesterID == approverID {
		return nil, fmt.Errorf("self-approval is not allowed: %w", ErrValidation)
	}

	e.logger.Info("approving request", "request_id", requestID, "approver", approver.Email)

	status := store.RequestApproved
	comments := "Approved via access request workflow"
	if err := e.jml.ProvisionEntitlement(ctx, req.TargetIdentityID, req.Entitlement); err != nil {
		e.logger.Error("provisioning failed for request", "request_id", requestID, "error", err)
		status = store.RequestFailed
		comments = fmt.Sprintf("Provisioning failed: %v", err)
	}

	updated, err := e.store.UpdateRequest(ctx, requestID, store.RequestUpdate{
		Status:       store.StringPtr(status),
		ApproverID:   store.StringPtr(approverID),
		Comments:     store.StringPtr(comments),
		ExpectStatus: store.RequestPending,
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, fmt.Errorf("request already decided, cannot approve: %w", ErrStateViolation)
		}
		return nil, err
	}

	e.audit(ctx, "approve_request", req.TargetIdentityID, approver.Email, map[string]any{
		"request_id": requestID, "status": status,
	})
	return updated, nil
}

// Reject transitions a pending request to rejected. The pending-only guard
// keeps an already-approved request's audit trail intact.
func (e *Requests) Reject(ctx context.Context, requestID, approverID, reason string) (*store.AccessRequest, error) {
	unlock := e.locks.lock(requestID)
	defer unlock()

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != store.RequestPending {
		return nil, fmt.Errorf("request is %s, cannot reject: %w", req.Status, ErrStateViolation)
	}

	updated, err := e.store.UpdateRequest(ctx, requestID, store.RequestUpdate{
		Status:       store.StringPtr(store.RequestRejected),
		ApproverID:   store.StringPtr(approverID),
		Comments:     store.StringPtr(reason),
		ExpectStatus: store.RequestPending,
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, fmt.Errorf("request already decided, cannot reject: %w", ErrStateViolation)
		}
		return nil, err
	}

	actor := "unknown"
	if approver, err := e.store.GetIdentity(ctx, approverID); err == nil {
		actor = approver.Email
	}

	e.audit(ctx, "reject_request", req.TargetIdentityID, actor, map[string]any{
		"request_id": requestID, "reason": reason,
	})
	return updated, nil
}

func (e *Requests) audit(ctx context.Context, action, target, actor string, details map[string]any) {
	ev := &store.AuditEvent{
		ID:      uuid.New().String(),
		Actor:   actor,
		Action:  action,
		Target:  target,
		Details: details,
	}
	if err := e.store.AppendAuditEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("failed to append audit event", "action", action, "error", err)
	}
}
