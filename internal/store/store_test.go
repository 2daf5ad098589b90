package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachBackend runs a test against the memory and sqlite backends so both
// stay behaviorally identical.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func newTestIdentity(employeeID string) *Identity {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Identity{
		ID:             uuid.New().String(),
		EmployeeID:     employeeID,
		FirstName:      "Ada",
		LastName:       "Lovelace",
		Email:          employeeID + "@example.com",
		Department:     "Engineering",
		JobTitle:       "Engineer",
		Status:         StatusActive,
		LifecycleState: LifecycleJoiner,
		RiskScore:      RiskLow,
		CreatedAt:      now,
		UpdatedAt:      now,
		Entitlements:   []string{"AzureAD:All Users"},
		Accounts:       map[string]Account{"azure_ad": {Login: "ada@example.com", MemberKey: "obj-1"}},
	}
}

func TestIdentityCreateAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ident := newTestIdentity("E100")
		require.NoError(t, s.CreateIdentity(ctx, ident))

		got, err := s.GetIdentity(ctx, ident.ID)
		require.NoError(t, err)
		assert.Equal(t, ident.Email, got.Email)
		assert.Equal(t, ident.Entitlements, got.Entitlements)
		assert.Equal(t, ident.Accounts, got.Accounts)

		byEmp, err := s.GetIdentityByEmployeeID(ctx, "E100")
		require.NoError(t, err)
		assert.Equal(t, ident.ID, byEmp.ID)
	})
}

func TestIdentityGetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetIdentity(ctx, "no-such-id")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetIdentityByEmployeeID(ctx, "no-such-employee")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIdentityDuplicateEmployeeID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateIdentity(ctx, newTestIdentity("E100")))

		err := s.CreateIdentity(ctx, newTestIdentity("E100"))
		assert.ErrorIs(t, err, ErrDuplicateEmployeeID)
	})
}

func TestIdentityPartialUpdate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ident := newTestIdentity("E100")
		require.NoError(t, s.CreateIdentity(ctx, ident))

		before, err := s.GetIdentity(ctx, ident.ID)
		require.NoError(t, err)

		updated, err := s.UpdateIdentity(ctx, ident.ID, IdentityUpdate{
			Department: StringPtr("Sales"),
		})
		require.NoError(t, err)
		assert.Equal(t, "Sales", updated.Department)
		// Untouched fields survive a partial update.
		assert.Equal(t, before.FirstName, updated.FirstName)
		assert.Equal(t, before.Email, updated.Email)
		assert.False(t, updated.UpdatedAt.Before(before.UpdatedAt), "updated_at is refreshed")
	})
}

func TestIdentityUpdateEntitlementsNormalized(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ident := newTestIdentity("E100")
		require.NoError(t, s.CreateIdentity(ctx, ident))

		updated, err := s.UpdateIdentity(ctx, ident.ID, IdentityUpdate{
			Entitlements: []string{"Slack:general", "AzureAD:All Users", "Slack:general"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"AzureAD:All Users", "Slack:general"}, updated.Entitlements)
	})
}

func TestIdentityListOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := newTestIdentity("E100")
		require.NoError(t, s.CreateIdentity(ctx, first))

		second := newTestIdentity("E200")
		second.CreatedAt = first.CreatedAt.Add(time.Second)
		second.UpdatedAt = second.CreatedAt
		require.NoError(t, s.CreateIdentity(ctx, second))

		list, err := s.ListIdentities(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "E100", list[0].EmployeeID)
		assert.Equal(t, "E200", list[1].EmployeeID)
	})
}

func newTestRequest(requesterID string) *AccessRequest {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &AccessRequest{
		ID:               uuid.New().String(),
		RequesterID:      requesterID,
		TargetIdentityID: requesterID,
		Entitlement:      "GitHub:Engineering",
		Justification:    "need repo access",
		Status:           RequestPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestRequestLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		req := newTestRequest("ident-1")
		require.NoError(t, s.CreateRequest(ctx, req))

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestPending, got.Status)

		updated, err := s.UpdateRequest(ctx, req.ID, RequestUpdate{
			Status:     StringPtr(RequestApproved),
			ApproverID: StringPtr("ident-2"),
			Comments:   StringPtr("Approved via access request workflow"),
		})
		require.NoError(t, err)
		assert.Equal(t, RequestApproved, updated.Status)
		assert.Equal(t, "ident-2", updated.ApproverID)
		assert.False(t, updated.UpdatedAt.Before(got.UpdatedAt))

		_, err = s.GetRequest(ctx, "no-such-request")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRequestListNewestFirstWithFilter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		older := newTestRequest("ident-1")
		require.NoError(t, s.CreateRequest(ctx, older))

		newer := newTestRequest("ident-2")
		newer.CreatedAt = older.CreatedAt.Add(time.Second)
		newer.UpdatedAt = newer.CreatedAt
		require.NoError(t, s.CreateRequest(ctx, newer))

		_, err := s.UpdateRequest(ctx, older.ID, RequestUpdate{Status: StringPtr(RequestRejected)})
		require.NoError(t, err)

		all, err := s.ListRequests(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, newer.ID, all[0].ID, "newest first")

		pending, err := s.ListRequests(ctx, RequestPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, newer.ID, pending[0].ID)
	})
}

func TestRequestUpdateExpectStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		req := newTestRequest("ident-1")
		require.NoError(t, s.CreateRequest(ctx, req))

		// Wrong expectation fails without touching the request.
		_, err := s.UpdateRequest(ctx, req.ID, RequestUpdate{
			Status:       StringPtr(RequestApproved),
			ExpectStatus: RequestRejected,
		})
		assert.ErrorIs(t, err, ErrStatusConflict)

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestPending, got.Status)

		// Matching expectation applies.
		updated, err := s.UpdateRequest(ctx, req.ID, RequestUpdate{
			Status:       StringPtr(RequestApproved),
			ApproverID:   StringPtr("ident-2"),
			ExpectStatus: RequestPending,
		})
		require.NoError(t, err)
		assert.Equal(t, RequestApproved, updated.Status)

		// The terminal state wins any later conditional write.
		_, err = s.UpdateRequest(ctx, req.ID, RequestUpdate{
			Status:       StringPtr(RequestRejected),
			ExpectStatus: RequestPending,
		})
		assert.ErrorIs(t, err, ErrStatusConflict)

		got, err = s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestApproved, got.Status)
	})
}

func TestAuditAppendAssignsMonotoneSeq(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// Equal timestamps; ordering must still be deterministic via seq.
		ts := time.Now().UTC().Truncate(time.Millisecond)
		for _, action := range []string{"create_identity", "provision_account", "grant_access"} {
			ev := &AuditEvent{
				ID:        uuid.New().String(),
				Timestamp: ts,
				Action:    action,
				Target:    "ada@example.com",
				Details:   map[string]any{"k": "v"},
			}
			require.NoError(t, s.AppendAuditEvent(ctx, ev))
			assert.Positive(t, ev.Seq)
		}

		events, err := s.ListAuditEvents(ctx, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "grant_access", events[0].Action, "newest first")
		assert.Greater(t, events[0].Seq, events[1].Seq)
		assert.Greater(t, events[1].Seq, events[2].Seq)
	})
}

func TestAuditDefaults(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ev := &AuditEvent{ID: uuid.New().String(), Action: "create_identity", Target: "x"}
		require.NoError(t, s.AppendAuditEvent(ctx, ev))

		events, err := s.ListAuditEvents(ctx, 1)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "system", events[0].Actor)
		assert.Equal(t, AuditSuccess, events[0].Status)
		assert.False(t, events[0].Timestamp.IsZero())
	})
}

func TestAuditListLimitAndTargetFilter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 150; i++ {
			target := "ada@example.com"
			if i%2 == 0 {
				target = "grace@example.com"
			}
			ev := &AuditEvent{ID: uuid.New().String(), Action: "grant_access", Target: target}
			require.NoError(t, s.AppendAuditEvent(ctx, ev))
		}

		events, err := s.ListAuditEvents(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, events, DefaultAuditLimit)

		byTarget, err := s.ListAuditEventsByTarget(ctx, "ada@example.com")
		require.NoError(t, err)
		assert.Len(t, byTarget, 75)
		for _, ev := range byTarget {
			assert.Equal(t, "ada@example.com", ev.Target)
		}
	})
}

func TestFactory(t *testing.T) {
	s, err := New("", "")
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)

	s, err = New("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, ok = s.(*SQLiteStore)
	assert.True(t, ok)

	_, err = New("oracle", "")
	assert.Error(t, err)
}
