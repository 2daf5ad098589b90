// Package connector provides the uniform downstream-system abstraction and
// the simulated AzureAD, GitHub, and Slack adapters.
package connector

import (
	"context"
	"errors"
	"strings"

	"github.com/gatehouse-io/gatehouse/internal/store"
)

// ErrUserNotFound is returned by disable operations when the connector has
// no record of the user. Callers treat it as a tolerated failure.
var ErrUserNotFound = errors.New("user not found")

// Ledger keys for the built-in connectors, as stored in Identity.Accounts.
const (
	NameAzureAD = "azure_ad"
	NameGitHub  = "github"
	NameSlack   = "slack"
)

// Entitlement system prefixes recognized by provisioning.
const (
	SystemAzureAD = "AzureAD"
	SystemGitHub  = "GitHub"
	SystemSlack   = "Slack"
)

// NewUser carries the profile fields a connector needs to create an account.
type NewUser struct {
	FirstName  string
	LastName   string
	Email      string
	Department string
	JobTitle   string
}

// Connector is the uniform interface over downstream systems. Calls may
// block on (simulated) network I/O and honor context cancellation; they are
// the engine's only suspension points.
type Connector interface {
	// Name is the ledger key for the connector, e.g. "azure_ad".
	Name() string
	// System is the entitlement system prefix, e.g. "AzureAD".
	System() string

	// CreateUser provisions a new account and returns its native handles.
	// It is not idempotent: calling it twice produces two distinct
	// accounts, so the core calls it at most once per identity.
	CreateUser(ctx context.Context, u NewUser) (store.Account, error)

	// AddToGroup and RemoveFromGroup are idempotent and create the group
	// on first use. memberKey is Account.MemberKey.
	AddToGroup(ctx context.Context, memberKey, group string) error
	RemoveFromGroup(ctx context.Context, memberKey, group string) error

	// Disable deactivates or removes the account. It is idempotent and
	// returns ErrUserNotFound for unknown users.
	Disable(ctx context.Context, memberKey string) error

	// Users returns the connector's user table for diagnostics.
	Users(ctx context.Context) (any, error)
}

// Registry holds the enabled connectors, addressable by ledger name or by
// entitlement system. Disabled connectors are simply not registered, which
// gates provisioning fan-out at the configuration level.
type Registry struct {
	byName   map[string]Connector
	bySystem map[string]Connector
	order    []Connector
}

// NewRegistry builds a registry from the given connectors.
func NewRegistry(conns ...Connector) *Registry {
	r := &Registry{
		byName:   make(map[string]Connector, len(conns)),
		bySystem: make(map[string]Connector, len(conns)),
	}
	for _, c := range conns {
		r.Register(c)
	}
	return r
}

// Register adds a connector. A connector with a duplicate name or system
// replaces the earlier registration entirely: the old one's name and system
// keys are both removed, so a replacement with a different system leaves no
// stale index entry behind.
func (r *Registry) Register(c Connector) {
	stale := make([]Connector, 0, 2)
	if old, ok := r.byName[c.Name()]; ok {
		stale = append(stale, old)
	}
	if old, ok := r.bySystem[c.System()]; ok && (len(stale) == 0 || stale[0] != old) {
		stale = append(stale, old)
	}

	placed := false
	for _, old := range stale {
		delete(r.byName, old.Name())
		delete(r.bySystem, old.System())
		for i, existing := range r.order {
			if existing != old {
				continue
			}
			if placed {
				r.order = append(r.order[:i], r.order[i+1:]...)
			} else {
				r.order[i] = c
				placed = true
			}
			break
		}
	}
	if !placed {
		r.order = append(r.order, c)
	}
	r.byName[c.Name()] = c
	r.bySystem[c.System()] = c
}

// ByName returns the connector with the given ledger name.
func (r *Registry) ByName(name string) (Connector, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// BySystem returns the connector for the given entitlement system.
func (r *Registry) BySystem(system string) (Connector, bool) {
	c, ok := r.bySystem[system]
	return c, ok
}

// Lookup resolves key against both the system prefix and the ledger name,
// case-insensitively, so API clients can use "AzureAD", "azuread", or
// "azure_ad" interchangeably.
func (r *Registry) Lookup(key string) (Connector, bool) {
	if c, ok := r.bySystem[key]; ok {
		return c, true
	}
	for _, c := range r.order {
		if strings.EqualFold(c.System(), key) || strings.EqualFold(c.Name(), key) {
			return c, true
		}
	}
	return nil, false
}

// All returns the connectors in registration order.
func (r *Registry) All() []Connector {
	return r.order
}
