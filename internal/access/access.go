// ABOUTME: Membership and access decision procedures over the store views
// ABOUTME: Every facade permission check lives here, never at call sites

package access

import (
	"context"
	"log/slog"
	"slices"

	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/ident"
	"github.com/2389/coven-mesh/internal/store"
)

// Core answers may-I questions and performs the membership mutations
// that follow from them. A nil error from a May* procedure means the
// action is allowed.
type Core struct {
	store  store.Store
	logger *slog.Logger
}

// New builds the access core over a store.
func New(s store.Store, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{store: s, logger: logger.With("component", "access")}
}

// MayJoin allows joining open channels the agent can see. Members
// channels admit by invitation only; private and direct channels are
// invisible to outsiders and present as absent.
func (c *Core) MayJoin(ctx context.Context, key ident.AgentKey, channelID string) error {
	decision, err := c.store.ChannelAccess(ctx, key, channelID)
	if err != nil {
		return err
	}
	if decision.IsMember {
		return fault.Conflictf("agent %q is already a member of channel %q", key.String(), channelID)
	}
	if !decision.HasAccess {
		return fault.NotFoundf("channel %q does not exist", channelID)
	}
	return nil
}

// MayInvite allows a member holding can_invite to invite any registered
// agent, cross-project included.
func (c *Core) MayInvite(ctx context.Context, inviter ident.AgentKey, channelID string, invitee ident.AgentKey) error {
	ch, err := c.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Kind == store.ChannelKindDirect || ch.IsNotes() {
		return fault.Invariantf("channel %q has fixed membership", channelID)
	}

	row, err := c.store.GetMember(ctx, channelID, inviter)
	if err != nil {
		if fault.IsNotFound(err) {
			return fault.NotAuthorizedf("agent %q is not a member of channel %q", inviter.String(), channelID)
		}
		return err
	}
	if row.OptedOut || !row.Caps.CanInvite {
		return fault.NotAuthorizedf("agent %q cannot invite to channel %q", inviter.String(), channelID)
	}

	if _, err := c.store.GetAgent(ctx, invitee); err != nil {
		return err
	}
	if existing, err := c.store.GetMember(ctx, channelID, invitee); err == nil && !existing.OptedOut {
		return fault.Conflictf("agent %q is already a member of channel %q", invitee.String(), channelID)
	} else if err != nil && !fault.IsNotFound(err) {
		return err
	}
	return nil
}

// MayLeave allows leaving when the membership row grants can_leave.
// Direct and notes channels always deny.
func (c *Core) MayLeave(ctx context.Context, key ident.AgentKey, channelID string) error {
	ch, err := c.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Kind == store.ChannelKindDirect || ch.IsNotes() {
		return fault.Invariantf("channel %q has fixed membership", channelID)
	}

	row, err := c.store.GetMember(ctx, channelID, key)
	if err != nil {
		if fault.IsNotFound(err) {
			return fault.NotAuthorizedf("agent %q is not a member of channel %q", key.String(), channelID)
		}
		return err
	}
	if row.OptedOut {
		return fault.NotAuthorizedf("agent %q is not a member of channel %q", key.String(), channelID)
	}
	if !row.Caps.CanLeave {
		return fault.NotAuthorizedf("agent %q cannot leave channel %q", key.String(), channelID)
	}
	return nil
}

// MaySend allows sending when the agent holds an active membership with
// can_send.
func (c *Core) MaySend(ctx context.Context, key ident.AgentKey, channelID string) error {
	decision, err := c.store.ChannelAccess(ctx, key, channelID)
	if err != nil {
		return err
	}
	if !decision.IsMember || !decision.Caps.CanSend {
		return fault.NotAuthorizedf("agent %q cannot send to channel %q", key.String(), channelID)
	}
	return nil
}

// MayDM checks the direct-message policy in both directions: each side
// must accept the other per its dm_policy, allow-list, and block-list.
func (c *Core) MayDM(ctx context.Context, a, b ident.AgentKey) error {
	agentA, err := c.store.GetAgent(ctx, a)
	if err != nil {
		return err
	}
	agentB, err := c.store.GetAgent(ctx, b)
	if err != nil {
		return err
	}

	if err := c.dmDirection(ctx, agentA, agentB); err != nil {
		return err
	}
	return c.dmDirection(ctx, agentB, agentA)
}

// dmDirection checks whether target accepts direct messages from
// requester.
func (c *Core) dmDirection(ctx context.Context, requester, target *store.Agent) error {
	deny := fault.NotAuthorizedf("agent %q does not accept direct messages from %q",
		target.Key.String(), requester.Key.String())

	if slices.Contains(target.DMBlock, requester.Key.String()) ||
		slices.Contains(requester.DMBlock, target.Key.String()) {
		return deny
	}

	switch target.DMPolicy {
	case store.DMPolicyOpen:
		visible, err := c.discoverableTo(ctx, target, requester.Key)
		if err != nil {
			return err
		}
		if !visible {
			return deny
		}
		return nil
	case store.DMPolicyRestricted:
		if slices.Contains(target.DMAllow, requester.Key.String()) {
			return nil
		}
		shared, err := c.store.ShareNonDirectChannel(ctx, requester.Key, target.Key)
		if err != nil {
			return err
		}
		if !shared {
			return deny
		}
		return nil
	default: // closed
		return deny
	}
}

// discoverableTo applies the agent discoverability setting from the
// requester's point of view.
func (c *Core) discoverableTo(ctx context.Context, target *store.Agent, requester ident.AgentKey) (bool, error) {
	switch target.Discoverability {
	case store.DiscoverabilityPublic:
		return true, nil
	case store.DiscoverabilityProject:
		if target.Key.IsGlobal() || requester.IsGlobal() || requester.ProjectID == target.Key.ProjectID {
			return true, nil
		}
		return c.store.ProjectsLinked(ctx, requester.ProjectID, target.Key.ProjectID)
	default: // private
		return false, nil
	}
}

// DiscoverableTo reports whether target shows up in requester's agent
// listings.
func (c *Core) DiscoverableTo(ctx context.Context, target *store.Agent, requester ident.AgentKey) (bool, error) {
	return c.discoverableTo(ctx, target, requester)
}
