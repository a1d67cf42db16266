// ABOUTME: Facade operations for agent notes: write, tag amendment,
// ABOUTME: and search over own or discoverable agents' notes channels

package mesh

import (
	"context"

	"github.com/2389/coven-mesh/internal/bus"
	"github.com/2389/coven-mesh/internal/fault"
	"github.com/2389/coven-mesh/internal/hybrid"
	"github.com/2389/coven-mesh/internal/ident"
	"github.com/2389/coven-mesh/internal/store"
)

// WriteNote appends a note to the owner's private notes channel,
// creating the channel on first use. Returns the note's message id.
func (s *Service) WriteNote(ctx context.Context, owner ident.AgentKey, content string, tags []string, confidence *float64) (int64, error) {
	var id int64
	err := s.run(ctx, "write_note", func(ctx context.Context, emit emitFn) error {
		if _, err := s.rel.GetAgent(ctx, owner); err != nil {
			return err
		}
		notes, created, err := s.access.ProvisionNotesChannel(ctx, owner)
		if err != nil {
			return err
		}
		if created {
			emit(bus.TopicChannels, "created", channelPayload(notes))
		}

		msg := &store.Message{
			ChannelID:  notes.ID,
			Sender:     owner,
			Content:    content,
			Confidence: confidence,
			Tags:       tags,
		}
		id, err = s.hybrid.Insert(ctx, msg)
		if err != nil {
			return err
		}

		payload := NoteEventPayload{ID: id, Owner: owner.String(), Channel: notes.ID, Tags: tags}
		emit(bus.TopicNotes, "created", payload)
		if len(tags) > 0 {
			emit(bus.TopicNotes, "tagged", payload)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateNoteTags amends the tags of one of the caller's own notes. The
// note's content stays immutable; notes of other agents read as
// missing.
func (s *Service) UpdateNoteTags(ctx context.Context, owner ident.AgentKey, noteID int64, tags []string) error {
	return s.run(ctx, "update_note_tags", func(ctx context.Context, emit emitFn) error {
		msg, err := s.rel.GetMessage(ctx, noteID)
		if err != nil {
			return err
		}
		if msg.ChannelID != ident.NotesChannelID(owner) || msg.Sender != owner {
			return fault.NotFoundf("note %d does not exist", noteID)
		}
		if err := s.hybrid.UpdateTags(ctx, noteID, tags); err != nil {
			return err
		}
		emit(bus.TopicNotes, "updated", NoteEventPayload{
			ID:      noteID,
			Owner:   owner.String(),
			Channel: msg.ChannelID,
			Tags:    tags,
		})
		return nil
	})
}

// SearchNotes runs a hybrid search scoped to the caller's own notes
// channel.
func (s *Service) SearchNotes(ctx context.Context, owner ident.AgentKey, query string, limit int) ([]hybrid.Result, error) {
	return s.hybrid.Search(ctx, hybrid.SearchParams{
		Query:    query,
		Channels: []string{ident.NotesChannelID(owner)},
		Profile:  s.defaultProfile,
		Limit:    limit,
	})
}

// PeekNotes searches another agent's notes channel. The target must be
// discoverable to the caller; undiscoverable agents read as missing.
func (s *Service) PeekNotes(ctx context.Context, caller, target ident.AgentKey, query string, limit int) ([]hybrid.Result, error) {
	agent, err := s.rel.GetAgent(ctx, target)
	if err != nil {
		return nil, err
	}
	if caller != target {
		ok, err := s.access.DiscoverableTo(ctx, agent, caller)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.NotFoundf("agent %q does not exist", target.String())
		}
	}
	return s.hybrid.Search(ctx, hybrid.SearchParams{
		Query:    query,
		Channels: []string{ident.NotesChannelID(target)},
		Profile:  s.defaultProfile,
		Limit:    limit,
	})
}
