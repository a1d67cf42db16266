// ABOUTME: Membership mutations: join, leave, invite, and registration provisioning
// ABOUTME: Each mutation re-checks its decision procedure before touching the store

package access

import (
	"context"
	"fmt"
	"slices"

	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/ident"
	"github.com/2389/coven-mesh/internal/store"
)

// JoinChannel joins an open channel. A previous soft leave is undone in
// place; the default-sourced row keeps its original caps.
func (c *Core) JoinChannel(ctx context.Context, key ident.AgentKey, channelID string) error {
	if err := c.MayJoin(ctx, key, channelID); err != nil {
		return err
	}

	existing, err := c.store.GetMember(ctx, channelID, key)
	if err == nil && existing.OptedOut {
		return c.store.SetMemberOptOut(ctx, channelID, key, false)
	}
	if err != nil && !fault.IsNotFound(err) {
		return err
	}

	return c.store.AddMember(ctx, &store.Member{
		ChannelID: channelID,
		Key:       key,
		Source:    store.SourceManual,
		InvitedBy: store.InviterSelf,
		Caps:      store.Capabilities{CanSend: true, CanLeave: true},
	})
}

// LeaveChannel leaves a channel. Default-provisioned rows become
// opted-out tombstones so provisioning never re-adds them; manual rows
// are deleted outright.
func (c *Core) LeaveChannel(ctx context.Context, key ident.AgentKey, channelID string) error {
	if err := c.MayLeave(ctx, key, channelID); err != nil {
		return err
	}

	row, err := c.store.GetMember(ctx, channelID, key)
	if err != nil {
		return err
	}
	if row.FromDefault {
		return c.store.SetMemberOptOut(ctx, channelID, key, true)
	}
	return c.store.RemoveMember(ctx, channelID, key)
}

// InviteToChannel adds the invitee on the inviter's authority. Inviting
// a soft-left agent reinstates their row.
func (c *Core) InviteToChannel(ctx context.Context, inviter ident.AgentKey, channelID string, invitee ident.AgentKey) error {
	if err := c.MayInvite(ctx, inviter, channelID, invitee); err != nil {
		return err
	}

	existing, err := c.store.GetMember(ctx, channelID, invitee)
	if err == nil && existing.OptedOut {
		return c.store.SetMemberOptOut(ctx, channelID, invitee, false)
	}
	if err != nil && !fault.IsNotFound(err) {
		return err
	}

	return c.store.AddMember(ctx, &store.Member{
		ChannelID: channelID,
		Key:       invitee,
		Source:    store.SourceInvitation,
		InvitedBy: inviter.String(),
		Caps:      store.Capabilities{CanSend: true, CanLeave: true},
	})
}

// ProvisionDefaults joins an agent to the is_default channels of its
// scope, skipping excluded names and any channel where a membership row
// already exists, opted-out tombstones included. It returns the ids of
// the channels actually joined.
func (c *Core) ProvisionDefaults(ctx context.Context, key ident.AgentKey, exclude []string, neverDefault bool) ([]string, error) {
	if neverDefault {
		return nil, nil
	}

	channels, err := c.store.ListDefaultChannels(ctx, "")
	if err != nil {
		return nil, err
	}
	if !key.IsGlobal() {
		scoped, err := c.store.ListDefaultChannels(ctx, key.ProjectID)
		if err != nil {
			return nil, err
		}
		channels = append(channels, scoped...)
	}

	var joined []string
	for _, ch := range channels {
		if slices.Contains(exclude, ch.Name) {
			continue
		}
		if _, err := c.store.GetMember(ctx, ch.ID, key); err == nil {
			continue
		} else if !fault.IsNotFound(err) {
			return joined, err
		}

		err := c.store.AddMember(ctx, &store.Member{
			ChannelID:   ch.ID,
			Key:         key,
			Source:      store.SourceDefault,
			InvitedBy:   store.InviterSystem,
			FromDefault: true,
			Caps:        store.Capabilities{CanSend: true, CanLeave: true},
		})
		if err != nil {
			return joined, fmt.Errorf("provisioning default channel %s: %w", ch.ID, err)
		}
		joined = append(joined, ch.ID)
	}

	if len(joined) > 0 {
		c.logger.Debug("provisioned default channels", "agent", key.String(), "channels", len(joined))
	}
	return joined, nil
}

// ProvisionNotesChannel creates the agent's private notes channel if it
// does not exist yet. The owner is the sole member and cannot leave.
// Returns the channel and whether this call created it.
func (c *Core) ProvisionNotesChannel(ctx context.Context, key ident.AgentKey) (*store.Channel, bool, error) {
	id := ident.NotesChannelID(key)

	if ch, err := c.store.GetChannel(ctx, id); err == nil {
		return ch, false, nil
	} else if !fault.IsNotFound(err) {
		return nil, false, err
	}

	scope := ident.ScopeGlobal
	if !key.IsGlobal() {
		scope = ident.ScopeProject
	}
	owner := key
	ch := &store.Channel{
		ID:        id,
		Kind:      store.ChannelKindRegular,
		Access:    store.AccessPrivate,
		Scope:     scope,
		ProjectID: key.ProjectID,
		Name:      "agent-notes:" + key.Name,
		Owner:     &owner,
	}
	err := c.store.CreateChannelWithMembers(ctx, ch, []*store.Member{{
		Key:       key,
		Source:    store.SourceSystem,
		InvitedBy: store.InviterSystem,
		Caps:      store.Capabilities{CanSend: true, CanManage: true},
	}})
	if err != nil {
		if fault.IsConflict(err) {
			// Lost a race with a concurrent registration.
			existing, getErr := c.store.GetChannel(ctx, id)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	c.logger.Debug("provisioned notes channel", "agent", key.String(), "channel", id)
	return ch, true, nil
}

// EnsureDirectChannel returns the direct channel between two agents,
// creating it on first use once both DM policies allow it. Returns the
// channel and whether this call created it.
func (c *Core) EnsureDirectChannel(ctx context.Context, a, b ident.AgentKey) (*store.Channel, bool, error) {
	if a == b {
		return nil, false, fault.BadRequestf("agent %q cannot open a direct channel with itself", a.String())
	}
	if err := c.MayDM(ctx, a, b); err != nil {
		return nil, false, err
	}

	id := ident.DirectChannelID(a, b)
	if ch, err := c.store.GetChannel(ctx, id); err == nil {
		return ch, false, nil
	} else if !fault.IsNotFound(err) {
		return nil, false, err
	}

	first, second := ident.SortPair(a, b)
	ch := &store.Channel{
		ID:     id,
		Kind:   store.ChannelKindDirect,
		Access: store.AccessPrivate,
		Scope:  ident.ScopeDirect,
		Name:   first.Name + ":" + second.Name,
	}
	members := []*store.Member{
		{Key: first, Source: store.SourceSystem, InvitedBy: store.InviterSystem, Caps: store.Capabilities{CanSend: true}},
		{Key: second, Source: store.SourceSystem, InvitedBy: store.InviterSystem, Caps: store.Capabilities{CanSend: true}},
	}
	if err := c.store.CreateChannelWithMembers(ctx, ch, members); err != nil {
		if fault.IsConflict(err) {
			existing, getErr := c.store.GetChannel(ctx, id)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	c.logger.Debug("created direct channel", "channel", id)
	return ch, true, nil
}
