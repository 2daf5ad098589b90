package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gatehouse-io/gatehouse/internal/store"
)

// Slack simulates a Slack workspace. User records carry a synthesized
// "U<seq>" id, but channel membership and deactivation are keyed by email;
// the ledger stores the id as the login and the email as the member key.
type Slack struct {
	mu       sync.Mutex
	logger   *slog.Logger
	nextID   int
	users    map[string]*SlackUser          // email -> user
	channels map[string]map[string]struct{} // channel -> email set
}

// SlackUser mirrors the workspace member record shape.
type SlackUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	RealName string `json:"real_name"`
	Deleted  bool   `json:"deleted"`
}

// NewSlack creates the simulated workspace with the standard channels
// pre-seeded.
func NewSlack(logger *slog.Logger) *Slack {
	c := &Slack{
		logger:   logger.With("component", "connector", "connector", NameSlack),
		nextID:   1000,
		users:    make(map[string]*SlackUser),
		channels: make(map[string]map[string]struct{}),
	}
	for _, ch := range []string{"general", "random", "engineering", "sales", "marketing"} {
		c.channels[ch] = make(map[string]struct{})
	}
	return c
}

func (c *Slack) Name() string   { return NameSlack }
func (c *Slack) System() string { return SystemSlack }

func (c *Slack) CreateUser(ctx context.Context, u NewUser) (store.Account, error) {
	if err := ctx.Err(); err != nil {
		return store.Account{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := fmt.Sprintf("U%d", c.nextID)
	c.users[u.Email] = &SlackUser{
		ID:       id,
		Email:    u.Email,
		RealName: u.FirstName + " " + u.LastName,
	}
	c.logger.Info("created user", "id", id, "email", u.Email)
	return store.Account{Login: id, MemberKey: u.Email}, nil
}

func (c *Slack) AddToGroup(ctx context.Context, memberKey, channel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	members, ok := c.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		c.channels[channel] = members
	}
	if _, in := members[memberKey]; !in {
		members[memberKey] = struct{}{}
		c.logger.Info("added to channel", "email", memberKey, "channel", channel)
	}
	return nil
}

func (c *Slack) RemoveFromGroup(ctx context.Context, memberKey, channel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if members, ok := c.channels[channel]; ok {
		if _, in := members[memberKey]; in {
			delete(members, memberKey)
			c.logger.Info("removed from channel", "email", memberKey, "channel", channel)
		}
	}
	return nil
}

// Disable sets deleted=true. The member record is retained.
func (c *Slack) Disable(ctx context.Context, memberKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.users[memberKey]
	if !ok {
		return fmt.Errorf("slack deactivate %s: %w", memberKey, ErrUserNotFound)
	}
	u.Deleted = true
	c.logger.Info("deactivated user", "email", memberKey)
	return nil
}

func (c *Slack) Users(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]SlackUser, len(c.users))
	for email, u := range c.users {
		out[email] = *u
	}
	return out, nil
}

// ChannelMembers returns the emails in a channel, for inspection in tests.
func (c *Slack) ChannelMembers(channel string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return memberList(c.channels[channel])
}
