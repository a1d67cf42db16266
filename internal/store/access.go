// ABOUTME: The channel access view: one rule order, one implementation
// ABOUTME: Every permission decision in the mesh flows through these two reads

package store

import (
	"context"
	"fmt"

	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/ident"
)

// ChannelAccess computes the access view for one (viewer, channel)
// pair. The decision is a pure function of the stored rows, so
// recomputing it without intervening mutations is idempotent.
func (s *SQLiteStore) ChannelAccess(ctx context.Context, viewer ident.AgentKey, channelID string) (*AccessDecision, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	member, err := s.GetMember(ctx, channelID, viewer)
	if err != nil {
		if !fault.IsNotFound(err) {
			return nil, err
		}
		member = nil
	}

	return s.decideAccess(ctx, viewer, ch, member)
}

// decideAccess applies the access rules in their binding order.
func (s *SQLiteStore) decideAccess(ctx context.Context, viewer ident.AgentKey, ch *Channel, member *Member) (*AccessDecision, error) {
	// Rule 1: an active membership row settles everything.
	if member != nil && !member.OptedOut {
		return &AccessDecision{
			HasAccess:     true,
			IsMember:      true,
			Caps:          member.Caps,
			VisibleInList: !ch.IsArchived,
		}, nil
	}

	// Rule 2: direct channels are invisible to non-members.
	if ch.Kind == ChannelKindDirect {
		return &AccessDecision{}, nil
	}

	// Rules 3 and 4: open channels are joinable but grant no send
	// capability until joined.
	if ch.Access == AccessOpen {
		if ch.Scope == ident.ScopeGlobal {
			return &AccessDecision{HasAccess: true, VisibleInList: !ch.IsArchived}, nil
		}
		if ch.Scope == ident.ScopeProject {
			reachable := viewer.IsGlobal() || viewer.ProjectID == ch.ProjectID
			if !reachable {
				linked, err := s.ProjectsLinked(ctx, viewer.ProjectID, ch.ProjectID)
				if err != nil {
					return nil, err
				}
				reachable = linked
			}
			if reachable {
				return &AccessDecision{HasAccess: true, VisibleInList: !ch.IsArchived}, nil
			}
		}
	}

	// Rule 5: everything else is invisible.
	return &AccessDecision{}, nil
}

// ListVisibleChannels returns every channel the viewer can see, with
// the same decision ChannelAccess would make for each.
func (s *SQLiteStore) ListVisibleChannels(ctx context.Context, viewer ident.AgentKey) ([]*VisibleChannel, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	channels, err := s.ListChannels(ctx)
	if err != nil {
		return nil, err
	}

	memberships, err := s.ListMemberships(ctx, viewer)
	if err != nil {
		return nil, err
	}
	byChannel := make(map[string]*Member, len(memberships))
	for _, m := range memberships {
		byChannel[m.ChannelID] = m
	}

	var visible []*VisibleChannel
	for _, ch := range channels {
		decision, err := s.decideAccess(ctx, viewer, ch, byChannel[ch.ID])
		if err != nil {
			return nil, fmt.Errorf("deciding access for channel %s: %w", ch.ID, err)
		}
		if !decision.VisibleInList {
			continue
		}
		visible = append(visible, &VisibleChannel{Channel: *ch, Access: *decision})
	}
	return visible, nil
}
