// ABOUTME: Facade operations for message flow: send, direct messages,
// ABOUTME: history reads, and access-filtered hybrid search

package mesh

import (
	"context"

	"github.com/2389/coven-mesh/internal/bus"
	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/hybrid"
	"github.com/2389/coven-mesh/internal/ident"
	"github.com/2389/coven-mesh/internal/store"
)

// SendParams describes one message send. Timestamp accepts any form
// the normalization layer understands; zero means now.
type SendParams struct {
	Sender     ident.AgentKey
	ChannelID  string
	Content    string
	Confidence *float64
	Metadata   string // JSON object; empty when absent
	Tags       []string
	SessionID  string
	ThreadID   string
	Timestamp  any
}

// SendMessage posts a message to a channel the sender is a member of
// with can_send. Membership is checked at send time.
func (s *Service) SendMessage(ctx context.Context, p SendParams) (int64, error) {
	var id int64
	err := s.run(ctx, "send_message", func(ctx context.Context, emit emitFn) error {
		ts, err := hybrid.NormalizeTime(p.Timestamp)
		if err != nil {
			return err
		}
		if err := s.access.MaySend(ctx, p.Sender, p.ChannelID); err != nil {
			return err
		}

		msg := &store.Message{
			ChannelID:  p.ChannelID,
			Sender:     p.Sender,
			Content:    p.Content,
			Timestamp:  ts,
			Confidence: p.Confidence,
			Metadata:   p.Metadata,
			Tags:       p.Tags,
			SessionID:  p.SessionID,
			ThreadID:   p.ThreadID,
		}
		id, err = s.hybrid.Insert(ctx, msg)
		if err != nil {
			return err
		}

		emit(bus.TopicMessages, "created", MessageEventPayload{
			ID:        id,
			Channel:   p.ChannelID,
			Sender:    p.Sender.String(),
			Timestamp: msg.Timestamp,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// DirectMessageParams describes one direct send. The optional message
// fields carry the same meaning as in SendParams.
type DirectMessageParams struct {
	Sender     ident.AgentKey
	To         ident.AgentKey
	Content    string
	Confidence *float64
	Metadata   string
	Tags       []string
	SessionID  string
	ThreadID   string
	Timestamp  any
}

// SendDirectMessage opens (or reuses) the direct channel between two
// agents and posts to it. DM policy is checked in both directions.
func (s *Service) SendDirectMessage(ctx context.Context, p DirectMessageParams) (int64, error) {
	var id int64
	err := s.run(ctx, "send_direct_message", func(ctx context.Context, emit emitFn) error {
		ts, err := hybrid.NormalizeTime(p.Timestamp)
		if err != nil {
			return err
		}
		ch, created, err := s.access.EnsureDirectChannel(ctx, p.Sender, p.To)
		if err != nil {
			return err
		}
		if created {
			emit(bus.TopicChannels, "created", channelPayload(ch))
		}

		msg := &store.Message{
			ChannelID:  ch.ID,
			Sender:     p.Sender,
			Content:    p.Content,
			Timestamp:  ts,
			Confidence: p.Confidence,
			Metadata:   p.Metadata,
			Tags:       p.Tags,
			SessionID:  p.SessionID,
			ThreadID:   p.ThreadID,
		}
		id, err = s.hybrid.Insert(ctx, msg)
		if err != nil {
			return err
		}

		emit(bus.TopicMessages, "created", MessageEventPayload{
			ID:        id,
			Channel:   ch.ID,
			Sender:    p.Sender.String(),
			Timestamp: msg.Timestamp,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetMessages reads channel history, newest slice by timestamp bound.
// The caller must be an active member; invisible channels read as
// missing.
func (s *Service) GetMessages(ctx context.Context, caller ident.AgentKey, channelID string, limit int, before float64) ([]*store.Message, error) {
	decision, err := s.rel.ChannelAccess(ctx, caller, channelID)
	if err != nil {
		return nil, err
	}
	if !decision.HasAccess {
		return nil, fault.NotFoundf("channel %q does not exist", channelID)
	}
	if !decision.IsMember {
		return nil, fault.NotAuthorizedf("agent %q is not a member of channel %q", caller.String(), channelID)
	}
	return s.rel.GetMessages(ctx, store.MessageQuery{
		ChannelID: channelID,
		Before:    before,
		Limit:     limit,
	})
}

// SearchMessages runs a hybrid search over the channels the caller is
// an active member of. Requested channels outside that set are dropped
// silently; an empty effective set returns no results.
func (s *Service) SearchMessages(ctx context.Context, caller ident.AgentKey, p hybrid.SearchParams) ([]hybrid.Result, error) {
	member, err := s.memberChannels(ctx, caller)
	if err != nil {
		return nil, err
	}

	if len(p.Channels) == 0 {
		p.Channels = member
	} else {
		allowed := make(map[string]bool, len(member))
		for _, id := range member {
			allowed[id] = true
		}
		var kept []string
		for _, id := range p.Channels {
			if allowed[id] {
				kept = append(kept, id)
			}
		}
		p.Channels = kept
	}
	if len(p.Channels) == 0 {
		return nil, nil
	}

	if p.Profile == "" {
		p.Profile = s.defaultProfile
	}
	return s.hybrid.Search(ctx, p)
}

// memberChannels returns the ids of channels where the caller holds an
// active membership row.
func (s *Service) memberChannels(ctx context.Context, caller ident.AgentKey) ([]string, error) {
	memberships, err := s.rel.ListMemberships(ctx, caller)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range memberships {
		if !m.OptedOut {
			ids = append(ids, m.ChannelID)
		}
	}
	return ids, nil
}
