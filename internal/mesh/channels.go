// ABOUTME: Facade operations for channel lifecycle and membership:
// ABOUTME: create, update, archive, join, leave, invite, and caps

package mesh

import (
	"context"

	"github.com/2389/coven-mesh/internal/bus"
	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/ident"
	"github.com/2389/coven-mesh/internal/store"
)

// CreateChannelParams describes a regular channel to create. An empty
// ProjectID makes the channel global.
type CreateChannelParams struct {
	Name        string
	ProjectID   string
	Access      store.AccessMode
	Description string
	IsDefault   bool
	// Creator, when set, becomes the first member with full caps.
	Creator *ident.AgentKey
}

// CreateChannel creates a regular channel in global or project scope.
func (s *Service) CreateChannel(ctx context.Context, p CreateChannelParams) (*store.Channel, error) {
	var channel *store.Channel
	err := s.run(ctx, "create_channel", func(ctx context.Context, emit emitFn) error {
		if err := ident.ValidateName("channel", p.Name); err != nil {
			return err
		}
		access := p.Access
		if access == "" {
			access = store.AccessOpen
		}

		ch := &store.Channel{
			Kind:        store.ChannelKindRegular,
			Access:      access,
			Scope:       ident.ScopeGlobal,
			Name:        p.Name,
			Description: p.Description,
			IsDefault:   p.IsDefault,
		}
		if p.ProjectID != "" {
			if _, err := s.rel.GetProject(ctx, p.ProjectID); err != nil {
				return err
			}
			ch.Scope = ident.ScopeProject
			ch.ProjectID = p.ProjectID
			ch.ID = ident.ProjectChannelID(p.ProjectID, p.Name)
		} else {
			ch.ID = ident.GlobalChannelID(p.Name)
		}

		var err error
		if p.Creator != nil {
			err = s.rel.CreateChannelWithMembers(ctx, ch, []*store.Member{{
				ChannelID: ch.ID,
				Key:       *p.Creator,
				InvitedBy: store.InviterSelf,
				Source:    store.SourceManual,
				Caps: store.Capabilities{
					CanSend:   true,
					CanInvite: true,
					CanLeave:  true,
					CanManage: true,
				},
			}})
		} else {
			err = s.rel.CreateChannel(ctx, ch)
		}
		if err != nil {
			return err
		}

		emit(bus.TopicChannels, "created", channelPayload(ch))
		if p.Creator != nil {
			emit(bus.TopicMembers, "joined", MemberEventPayload{
				Channel: ch.ID,
				Agent:   p.Creator.String(),
				Source:  string(store.SourceManual),
			})
		}

		channel = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return channel, nil
}

// UpdateChannel rewrites a channel's description.
func (s *Service) UpdateChannel(ctx context.Context, channelID, description string) error {
	return s.run(ctx, "update_channel", func(ctx context.Context, emit emitFn) error {
		if err := s.rel.UpdateChannelDescription(ctx, channelID, description); err != nil {
			return err
		}
		ch, err := s.rel.GetChannel(ctx, channelID)
		if err != nil {
			return err
		}
		emit(bus.TopicChannels, "updated", channelPayload(ch))
		return nil
	})
}

// ArchiveChannel archives a channel. A nil actor is the system; any
// other actor needs an active membership with can_manage.
func (s *Service) ArchiveChannel(ctx context.Context, actor *ident.AgentKey, channelID string) error {
	return s.run(ctx, "archive_channel", func(ctx context.Context, emit emitFn) error {
		ch, err := s.rel.GetChannel(ctx, channelID)
		if err != nil {
			return err
		}
		if actor != nil {
			m, err := s.rel.GetMember(ctx, channelID, *actor)
			if err != nil {
				if fault.IsNotFound(err) {
					return fault.NotAuthorizedf("agent %q cannot archive channel %q", actor.String(), channelID)
				}
				return err
			}
			if m.OptedOut || !m.Caps.CanManage {
				return fault.NotAuthorizedf("agent %q cannot archive channel %q", actor.String(), channelID)
			}
		}
		if err := s.rel.ArchiveChannel(ctx, channelID); err != nil {
			return err
		}
		emit(bus.TopicChannels, "archived", channelPayload(ch))
		return nil
	})
}

// JoinChannel joins the caller to a channel its access view permits.
func (s *Service) JoinChannel(ctx context.Context, key ident.AgentKey, channelID string) error {
	return s.run(ctx, "join_channel", func(ctx context.Context, emit emitFn) error {
		if err := s.access.JoinChannel(ctx, key, channelID); err != nil {
			return err
		}
		emit(bus.TopicMembers, "joined", MemberEventPayload{
			Channel: channelID,
			Agent:   key.String(),
			Source:  string(store.SourceManual),
		})
		return nil
	})
}

// LeaveChannel removes the caller from a channel. Default-provisioned
// memberships become opted-out tombstones instead of deletions.
func (s *Service) LeaveChannel(ctx context.Context, key ident.AgentKey, channelID string) error {
	return s.run(ctx, "leave_channel", func(ctx context.Context, emit emitFn) error {
		if err := s.access.LeaveChannel(ctx, key, channelID); err != nil {
			return err
		}
		emit(bus.TopicMembers, "left", MemberEventPayload{
			Channel: channelID,
			Agent:   key.String(),
		})
		return nil
	})
}

// InviteToChannel adds invitee to a channel on the inviter's authority.
func (s *Service) InviteToChannel(ctx context.Context, inviter, invitee ident.AgentKey, channelID string) error {
	return s.run(ctx, "invite_to_channel", func(ctx context.Context, emit emitFn) error {
		if err := s.access.InviteToChannel(ctx, inviter, channelID, invitee); err != nil {
			return err
		}
		emit(bus.TopicMembers, "joined", MemberEventPayload{
			Channel: channelID,
			Agent:   invitee.String(),
			Source:  string(store.SourceInvitation),
		})
		return nil
	})
}

// UpdateMemberCaps rewrites a member's capability set. A nil actor is
// the system; any other actor needs can_manage on the channel.
func (s *Service) UpdateMemberCaps(ctx context.Context, actor *ident.AgentKey, channelID string, target ident.AgentKey, caps store.Capabilities) error {
	return s.run(ctx, "update_member_caps", func(ctx context.Context, emit emitFn) error {
		if actor != nil {
			m, err := s.rel.GetMember(ctx, channelID, *actor)
			if err != nil {
				if fault.IsNotFound(err) {
					return fault.NotAuthorizedf("agent %q cannot manage channel %q", actor.String(), channelID)
				}
				return err
			}
			if m.OptedOut || !m.Caps.CanManage {
				return fault.NotAuthorizedf("agent %q cannot manage channel %q", actor.String(), channelID)
			}
		}
		if err := s.rel.UpdateMemberCaps(ctx, channelID, target, caps); err != nil {
			return err
		}
		emit(bus.TopicMembers, "updated", MemberEventPayload{
			Channel: channelID,
			Agent:   target.String(),
		})
		return nil
	})
}

// ListChannels returns the channels visible in listings for the caller,
// paired with the caller's access decision on each.
func (s *Service) ListChannels(ctx context.Context, caller ident.AgentKey) ([]*store.VisibleChannel, error) {
	return s.rel.ListVisibleChannels(ctx, caller)
}
