package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/store"
)

// AzureAD simulates an Azure AD tenant. Users are keyed by objectId; group
// membership and disable operations are keyed by objectId as well, so the
// ledger stores both the UPN and the objectId.
type AzureAD struct {
	mu     sync.Mutex
	domain string
	logger *slog.Logger
	users  map[string]*AzureUser          // objectId -> user
	groups map[string]map[string]struct{} // group -> objectId set
}

// AzureUser mirrors the directory's user record shape.
type AzureUser struct {
	ObjectID          string `json:"objectId"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName"`
	Department        string `json:"department,omitempty"`
	JobTitle          string `json:"jobTitle,omitempty"`
	AccountEnabled    bool   `json:"accountEnabled"`
}

// NewAzureAD creates the simulated tenant with the standard directory groups
// pre-seeded. domain is the UPN suffix, e.g. "example.com".
func NewAzureAD(domain string, logger *slog.Logger) *AzureAD {
	c := &AzureAD{
		domain: domain,
		logger: logger.With("component", "connector", "connector", NameAzureAD),
		users:  make(map[string]*AzureUser),
		groups: make(map[string]map[string]struct{}),
	}
	for _, g := range []string{"Engineering", "Sales", "Marketing", "HR", "Finance-Admin"} {
		c.groups[g] = make(map[string]struct{})
	}
	return c
}

func (c *AzureAD) Name() string   { return NameAzureAD }
func (c *AzureAD) System() string { return SystemAzureAD }

func (c *AzureAD) CreateUser(ctx context.Context, u NewUser) (store.Account, error) {
	if err := ctx.Err(); err != nil {
		return store.Account{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	upn := fmt.Sprintf("%s.%s@%s", strings.ToLower(u.FirstName), strings.ToLower(u.LastName), c.domain)
	objectID := uuid.New().String()

	c.users[objectID] = &AzureUser{
		ObjectID:          objectID,
		UserPrincipalName: upn,
		DisplayName:       u.FirstName + " " + u.LastName,
		Department:        u.Department,
		JobTitle:          u.JobTitle,
		AccountEnabled:    true,
	}
	c.logger.Info("created user", "upn", upn, "object_id", objectID)
	return store.Account{Login: upn, MemberKey: objectID}, nil
}

func (c *AzureAD) AddToGroup(ctx context.Context, memberKey, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	members, ok := c.groups[group]
	if !ok {
		members = make(map[string]struct{})
		c.groups[group] = members
	}
	if _, in := members[memberKey]; !in {
		members[memberKey] = struct{}{}
		c.logger.Info("added to group", "object_id", memberKey, "group", group)
	}
	return nil
}

func (c *AzureAD) RemoveFromGroup(ctx context.Context, memberKey, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if members, ok := c.groups[group]; ok {
		if _, in := members[memberKey]; in {
			delete(members, memberKey)
			c.logger.Info("removed from group", "object_id", memberKey, "group", group)
		}
	}
	return nil
}

// Disable sets accountEnabled=false. The user record is retained.
func (c *AzureAD) Disable(ctx context.Context, memberKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.users[memberKey]
	if !ok {
		return fmt.Errorf("azuread disable %s: %w", memberKey, ErrUserNotFound)
	}
	u.AccountEnabled = false
	c.logger.Info("disabled user", "object_id", memberKey)
	return nil
}

func (c *AzureAD) Users(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]AzureUser, len(c.users))
	for id, u := range c.users {
		out[id] = *u
	}
	return out, nil
}

// GroupMembers returns the objectIds in a group, for inspection in tests.
func (c *AzureAD) GroupMembers(group string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return memberList(c.groups[group])
}

func memberList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}
