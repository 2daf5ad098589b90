package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It is the default
// backend for development and tests, where durability is not needed.
type MemoryStore struct {
	mu sync.RWMutex

	identities map[string]*Identity
	employees  map[string]string // employee_id -> identity id

	requests     map[string]*AccessRequest
	requestOrder []string // insertion order of request ids

	audit    []AuditEvent
	auditSeq int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]*Identity),
		employees:  make(map[string]string),
		requests:   make(map[string]*AccessRequest),
	}
}

// --- Identities ---

func (s *MemoryStore) CreateIdentity(ctx context.Context, ident *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.employees[ident.EmployeeID]; exists {
		return fmt.Errorf("identity with employee_id %s: %w", ident.EmployeeID, ErrDuplicateEmployeeID)
	}

	clone := cloneIdentity(ident)
	s.identities[clone.ID] = clone
	s.employees[clone.EmployeeID] = clone.ID
	return nil
}

func (s *MemoryStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.identities[id]
	if !ok {
		return nil, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}
	return cloneIdentity(ident), nil
}

func (s *MemoryStore) GetIdentityByEmployeeID(ctx context.Context, employeeID string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.employees[employeeID]
	if !ok {
		return nil, fmt.Errorf("identity with employee_id %s: %w", employeeID, ErrNotFound)
	}
	return cloneIdentity(s.identities[id]), nil
}

func (s *MemoryStore) UpdateIdentity(ctx context.Context, id string, upd IdentityUpdate) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[id]
	if !ok {
		return nil, fmt.Errorf("identity %s: %w", id, ErrNotFound)
	}

	next := cloneIdentity(ident)
	upd.apply(next)
	s.identities[id] = next
	return cloneIdentity(next), nil
}

func (s *MemoryStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Identity, 0, len(s.identities))
	for _, ident := range s.identities {
		out = append(out, *cloneIdentity(ident))
	}
	sortIdentities(out)
	return out, nil
}

// --- Access requests ---

func (s *MemoryStore) CreateRequest(ctx context.Context, req *AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *req
	s.requests[clone.ID] = &clone
	s.requestOrder = append(s.requestOrder, clone.ID)
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	clone := *req
	return &clone, nil
}

func (s *MemoryStore) UpdateRequest(ctx context.Context, id string, upd RequestUpdate) (*AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if upd.ExpectStatus != "" && req.Status != upd.ExpectStatus {
		return nil, fmt.Errorf("request %s is %s: %w", id, req.Status, ErrStatusConflict)
	}

	next := *req
	upd.apply(&next)
	s.requests[id] = &next
	clone := next
	return &clone, nil
}

func (s *MemoryStore) ListRequests(ctx context.Context, status string) ([]AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AccessRequest, 0, len(s.requestOrder))
	// Newest first: walk insertion order backwards.
	for i := len(s.requestOrder) - 1; i >= 0; i-- {
		req := s.requests[s.requestOrder[i]]
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

// --- Audit ledger ---

func (s *MemoryStore) AppendAuditEvent(ctx context.Context, ev *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditSeq++
	ev.Seq = s.auditSeq
	fillAuditDefaults(ev)
	s.audit = append(s.audit, *cloneAuditEvent(ev))
	return nil
}

func (s *MemoryStore) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultAuditLimit
	}

	out := make([]AuditEvent, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *cloneAuditEvent(&s.audit[i]))
	}
	return out, nil
}

func (s *MemoryStore) ListAuditEventsByTarget(ctx context.Context, target string) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditEvent
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].Target == target {
			out = append(out, *cloneAuditEvent(&s.audit[i]))
		}
	}
	return out, nil
}

// --- Health / lifecycle ---

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}

// --- Helpers ---

func cloneIdentity(ident *Identity) *Identity {
	clone := *ident
	clone.Entitlements = append([]string(nil), ident.Entitlements...)
	clone.Accounts = make(map[string]Account, len(ident.Accounts))
	for k, v := range ident.Accounts {
		clone.Accounts[k] = v
	}
	return &clone
}

func cloneAuditEvent(ev *AuditEvent) *AuditEvent {
	clone := *ev
	if ev.Details != nil {
		clone.Details = make(map[string]any, len(ev.Details))
		for k, v := range ev.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}

func fillAuditDefaults(ev *AuditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Actor == "" {
		ev.Actor = "system"
	}
	if ev.Status == "" {
		ev.Status = AuditSuccess
	}
}

func sortIdentities(idents []Identity) {
	// Stable listing order: oldest first, id as tiebreak.
	sort.Slice(idents, func(i, j int) bool {
		if !idents[i].CreatedAt.Equal(idents[j].CreatedAt) {
			return idents[i].CreatedAt.Before(idents[j].CreatedAt)
		}
		return idents[i].ID < idents[j].ID
	})
}
