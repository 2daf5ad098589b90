package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gatehouse-io/gatehouse/internal/store"
)

// GitHub simulates a GitHub organization. Users and team membership are
// keyed by username. Unlike the other systems, Disable hard-removes the user
// from the org and strips all team memberships.
type GitHub struct {
	mu     sync.Mutex
	logger *slog.Logger
	users  map[string]*GitHubUser         // username -> user
	teams  map[string]map[string]struct{} // team -> username set
}

// GitHubUser mirrors the org member record shape.
type GitHubUser struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name"`
}

// NewGitHub creates the simulated org with the standard teams pre-seeded.
func NewGitHub(logger *slog.Logger) *GitHub {
	c := &GitHub{
		logger: logger.With("component", "connector", "connector", NameGitHub),
		users:  make(map[string]*GitHubUser),
		teams:  make(map[string]map[string]struct{}),
	}
	for _, t := range []string{"Engineering", "DevOps", "Frontend", "Backend"} {
		c.teams[t] = make(map[string]struct{})
	}
	return c
}

func (c *GitHub) Name() string   { return NameGitHub }
func (c *GitHub) System() string { return SystemGitHub }

func (c *GitHub) CreateUser(ctx context.Context, u NewUser) (store.Account, error) {
	if err := ctx.Err(); err != nil {
		return store.Account{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	username := strings.ToLower(u.FirstName) + strings.ToLower(u.LastName)
	c.users[username] = &GitHubUser{
		Username: username,
		Email:    u.Email,
		Name:     u.FirstName + " " + u.LastName,
	}
	c.logger.Info("created user", "username", username)
	return store.Account{Login: username, MemberKey: username}, nil
}

func (c *GitHub) AddToGroup(ctx context.Context, memberKey, team string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	members, ok := c.teams[team]
	if !ok {
		members = make(map[string]struct{})
		c.teams[team] = members
	}
	if _, in := members[memberKey]; !in {
		members[memberKey] = struct{}{}
		c.logger.Info("added to team", "username", memberKey, "team", team)
	}
	return nil
}

func (c *GitHub) RemoveFromGroup(ctx context.Context, memberKey, team string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if members, ok := c.teams[team]; ok {
		if _, in := members[memberKey]; in {
			delete(members, memberKey)
			c.logger.Info("removed from team", "username", memberKey, "team", team)
		}
	}
	return nil
}

// Disable removes the user from the org entirely and strips all team
// memberships, matching GitHub's offboarding contract.
func (c *GitHub) Disable(ctx context.Context, memberKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.users[memberKey]; !ok {
		return fmt.Errorf("github remove %s: %w", memberKey, ErrUserNotFound)
	}
	delete(c.users, memberKey)
	for _, members := range c.teams {
		delete(members, memberKey)
	}
	c.logger.Info("removed user", "username", memberKey)
	return nil
}

func (c *GitHub) Users(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]GitHubUser, len(c.users))
	for name, u := range c.users {
		out[name] = *u
	}
	return out, nil
}

// TeamMembers returns the usernames on a team, for inspection in tests.
func (c *GitHub) TeamMembers(team string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return memberList(c.teams[team])
}
