package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/internal/connector"
	"github.com/gatehouse-io/gatehouse/internal/policy"
	"github.com/gatehouse-io/gatehouse/internal/store"
)

// twoIdentities provisions a requester and an approver and returns their ids.
func twoIdentities(t *testing.T, env *testEnv) (requesterID, approverID string) {
	t.Helper()
	ctx := context.Background()

	res := env.jml.ProcessEvent(ctx, joinerEvent("E100", "Engineering"))
	require.Equal(t, StatusSuccess, res.Status, res.Message)
	requesterID = res.IdentityID

	approver := joinerEvent("E200", "HR")
	approver.FirstName = strPtr("Grace")
	approver.LastName = strPtr("Hopper")
	approver.Email = strPtr("grace.hopper@example.com")
	res = env.jml.ProcessEvent(ctx, approver)
	require.Equal(t, StatusSuccess, res.Status, res.Message)
	approverID = res.IdentityID
	return requesterID, approverID
}

func TestSubmitRequest(t *testing.T) {
	env := newTestEnv(t)
	requesterID, _ := twoIdentities(t, env)
	ctx := context.Background()

	req, err := env.requests.Submit(ctx, requesterID, "GitHub:DevOps", "oncall rotation")
	require.NoError(t, err)
	assert.Equal(t, store.RequestPending, req.Status)
	assert.Equal(t, requesterID, req.RequesterID)
	assert.Equal(t, requesterID, req.TargetIdentityID, "self-target only")
	assert.Equal(t, "GitHub:DevOps", req.Entitlement)

	assert.Contains(t, auditActions(t, env.store), "submit_request")
}

func TestSubmitRequestUnknownRequester(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.requests.Submit(context.Background(), "no-such-id", "GitHub:DevOps", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmitRequestMalformedEntitlement(t *testing.T) {
	env := newTestEnv(t)
	requesterID, _ := twoIdentities(t, env)

	_, err := env.requests.Submit(context.Background(), requesterID, "NoColonHere", "x")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitRequestSoDConflictDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	requesterID, _ := twoIdentities(t, env)

	// Requester already holds AzureAD:Engineering; AzureAD:HR completes a
	// conflict pair, but submission still goes through.
	req, err := env.requests.Submit(context.Background(), requesterID, "AzureAD:HR", "covering for HR")
	require.NoError(t, err)
	assert.Equal(t, store.RequestPending, req.Status)
}

func TestApproveRequest(t *testing.T) {
	env := newTestEnv(t)
	requesterID, approverID := twoIdentities(t, env)
	ctx := context.Background()

	req, err := env.requests.Submit(ctx, requesterID, "GitHub:DevOps", "oncall rotation")
	require.NoError(t, err)

	approved, err := env.requests.Approve(ctx, req.ID, approverID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestApproved, approved.Status)
	assert.Equal(t, approverID, approved.ApproverID)

	ident, err := env.store.GetIdentity(ctx, requesterID)
	require.NoError(t, err)
	assert.Contains(t, ident.Entitlements, "GitHub:DevOps")
	assert.Contains(t, env.github.TeamMembers("DevOps"), ident.Accounts[connector.NameGitHub].MemberKey)

	actions := auditActions(t, env.store)
	assert.Contains(t, actions, "grant_access")
	assert.Contains(t, actions, "approve_request")
}

func TestApproveRequestSelfApprovalRejected(t *testing.T) {
	env := newTestEnv(t)
	requesterID, _ := twoIdentities(t, env)
	ctx := context.Background()

	req, err := env.requests.Submit(ctx, requesterID, "GitHub:DevOps", "x")
	require.NoError(t, err)

	_, err = env.requests.Approve(ctx, req.ID, requesterID)
	assert.ErrorIs(t, err, ErrValidation)

	// The request is untouched and can still be approved by someone else.
	got, err := env.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestPending, got.Status)
}

func TestApproveRequestNonPending(t *testing.T) {
	env := newTestEnv(t)
	requesterID, approverID := twoIdentities(t, env)
	ctx := context.Background()

	req, err := env.requests.Submit(ctx, requesterID, "GitHub:DevOps", "x")
	require.NoError(t, err)

	_, err = env.requests.Approve(ctx, req.ID, approverID)
	require.NoError(t, err)

	_, err = env.requests.Approve(ctx, req.ID, approverID)
	assert.ErrorIs(t, err, ErrStateViolation)
}

func TestApproveRequestUnknownApprover(t *testing.T) {
	env := newTestEnv(t)
	requesterID, _ := twoIdentities(t, env)
	ctx := context.Background()

	req, err := env.requests.Submit(ctx, requesterID, "GitHub:DevOps", "x")
	require.NoError(t, err)

	_, err = env.requests.Approve(ctx, req.ID, "no-such-approver")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApproveRequestProvisioningFailure(t *testing.T) {
	logger := slog.Default()
	st := store.NewMemory()
	gh := &failingConnector{connector.NewGitHub(logger)}
	reg := connector.NewRegistry(
		connector.NewAzureAD("example.com", logger),
		gh,
		connector.NewSlack(logger),
	)
	pol := policy.NewEngine(nil)
	jml := NewJML(st, reg, pol, time.Second, logger)
	requests := NewRequests(st, pol, jml, logger)

	ctx := context.Background()

	// Joiners for Sales avoid GitHub, so the failing connector is only hit
	// by the ad-hoc grant below.
	res := jml.ProcessEvent(ctx, joinerEvent("E100", "Sales"))
	require.Equal(t, StatusSuccess, res.Status, res.Message)
	requesterID := res.IdentityID

	approver := joinerEvent("E200", "Marketing")
	approver.Email = strPtr("grace.hopper@example.com")
	res = jml.ProcessEvent(ctx, approver)
	require.Equal(t, StatusSuccess, res.Status, res.Message)
	approverID := res.IdentityID

	req, err := requests.Submit(ctx, requesterID, "GitHub:DevOps", "x")
	require.NoError(t, err)

	failed, err := requests.Approve(ctx, req.ID, approverID)
	require.NoError(t, err, "a provisioning failure is reported in the request, not as an error")
	assert.Equal(t, store.RequestFailed, failed.Status)
	assert.Contains(t, failed.Comments, "Provisioning failed")

	// The entitlement never reached the ledger.
	ident, err := st.GetIdentity(ctx, requesterID)
	require.NoError(t, err)
	assert.NotContains(t, ident.Entitlements, "GitHub:DevOps")
}

// gatedConnector holds AddToGroup open until released, so a test can pin an
// approval inside provisioning while issuing a concurrent decision.
type gatedConnector struct {
	connector.Connector
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gatedConnector) AddToGroup(ctx context.Context, memberKey, group string) error {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return c.Connector.AddToGroup(ctx, memberKey, group)
}

func TestConcurrentApproveRejectSingleTransition(t *testing.T) {
	logger := slog.Default()
	st := store.NewMemory()
	gh := &gatedConnector{
		Connector: connector.NewGitHub(logger),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	reg := connector.NewRegistry(
		connector.NewAzureAD("example.com", logger),
		gh,
		connector.NewSlack(logger),
	)
	pol := policy.NewEngine(nil)
	jml := NewJML(st, reg, pol, time.Second, logger)
	requests := NewRequests(st, pol, jml, logger)
	ctx := context.Background()

	// Sales joiners never touch GitHub, so only the grant below hits the gate.
	res := jml.ProcessEvent(ctx, joinerEvent("E100", "Sales"))
	require.Equal(t, StatusSuccess, res.Status, res.Message)
	requesterID := res.IdentityID

	approver := joinerEvent("E200", "Marketing")
	approver.Email = strPtr("grace.hopper@example.com")
	res = jml.ProcessEvent(ctx, approver)
	require.Equal(t, StatusSuccess, res.Status, res.Message)
	approverID := res.IdentityID

	req, err := requests.Submit(ctx, requesterID, "GitHub:DevOps", "oncall rotation")
	require.NoError(t, err)

	approveErr := make(chan error, 1)
	go func() {
		_, err := requests.Approve(ctx, req.ID, approverID)
		approveErr <- err
	}()

	// The approval has passed its pending check and is parked in provisioning.
	<-gh.entered

	rejectErr := make(chan error, 1)
	go func() {
		_, err := requests.Reject(ctx, req.ID, approverID, "denied")
		rejectErr <- err
	}()

	close(gh.release)

	require.NoError(t, <-approveErr)
	assert.ErrorIs(t, <-rejectErr, ErrStateViolation,
		"the late reject must not overwrite the terminal state")

	got, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestApproved, got.Status)
	assert.Equal(t, "Approved via access request workflow", got.Comments)

	ident, err := st.GetIdentity(ctx, requesterID)
	require.NoError(t, err)
	assert.Contains(t, ident.Entitlements, "GitHub:DevOps")
}

func TestRejectRequest(t *testing.T) {
	env := newTestEnv(t)
	requesterID, approverID := twoIdentities(t, env)
	ctx := context.Background()

	req, err := env.requests.Submit(ctx, requesterID, "GitHub:DevOps", "x")
	require.NoError(t, err)

	rejected, err := env.requests.Reject(ctx, req.ID, approverID, "not justified")
	require.NoError(t, err)
	assert.Equal(t, store.RequestRejected, rejected.Status)
	assert.Equal(t, "not justified", rejected.Comments)
	assert.Equal(t, approverID, rejected.ApproverID)

	ident, err := env.store.GetIdentity(ctx, requesterID)
	require.NoError(t, err)
	assert.NotContains(t, ident.Entitlements, "GitHub:DevOps")

	assert.Contains(t, auditActions(t, env.store), "reject_request")
}

func TestRejectRequestNonPending(t *testing.T) {
	env := newTestEnv(t)
	requesterID, approverID := twoIdentities(t, env)
	ctx := context.Background()

	req, err := env.requests.Submit(ctx, requesterID, "GitHub:DevOps", "x")
	require.NoError(t, err)

	_, err = env.requests.Approve(ctx, req.ID, approverID)
	require.NoError(t, err)

	// Rejecting an already-approved request must not clobber its state.
	_, err = env.requests.Reject(ctx, req.ID, approverID, "too late")
	assert.ErrorIs(t, err, ErrStateViolation)

	got, err := env.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestApproved, got.Status)
}

func TestRejectRequestUnknown(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.requests.Reject(context.Background(), "no-such-request", "whoever", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
