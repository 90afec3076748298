package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/deletion"
	"github.com/matheus3301/chatsync/internal/delivery"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// MessageService implements the chatsync.v1.MessageService service.
type MessageService struct {
	engine   *intsync.Engine
	tracker  *delivery.Tracker
	deletion *deletion.Manager
	chats    ChatLookup
}

// NewMessageService creates a new message service.
func NewMessageService(engine *intsync.Engine, tracker *delivery.Tracker, del *deletion.Manager, chats ChatLookup) *MessageService {
	return &MessageService{engine: engine, tracker: tracker, deletion: del, chats: chats}
}

func (s *MessageService) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	d := req.Draft()
	d.SenderID = viewerOf(ctx, d.SenderID)
	id, err := s.engine.Send(ctx, req.ChatID, d)
	if err != nil {
		return nil, err
	}
	return &SendResponse{MessageID: id, Pending: chat.IsPending(id)}, nil
}

func (s *MessageService) Timeline(ctx context.Context, req *TimelineRequest) (*TimelineResponse, error) {
	entries, err := s.engine.MergedTimeline(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	viewer := viewerOf(ctx, req.ViewerID)
	other := otherParticipant(ctx, s.chats, req.ChatID, viewer)

	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, MessageFromDomain(e.Message, delivery.ComputeEntryStatus(e, viewer, other)))
	}
	return &TimelineResponse{Messages: out}, nil
}

func (s *MessageService) MarkSeen(ctx context.Context, req *MarkSeenRequest) (*MarkSeenResponse, error) {
	n, err := s.tracker.MarkSeen(ctx, req.ChatID, req.ReaderID)
	if err != nil {
		return nil, err
	}
	return &MarkSeenResponse{Added: n}, nil
}

func (s *MessageService) DeleteMessage(ctx context.Context, req *DeleteMessageRequest) (*DeleteMessageResponse, error) {
	if err := s.deletion.DeleteMessage(ctx, req.ChatID, req.MessageID, req.RequesterID); err != nil {
		return nil, err
	}
	return &DeleteMessageResponse{}, nil
}

func (s *MessageService) DeleteMessages(ctx context.Context, req *DeleteMessagesRequest) (*DeleteMessagesResponse, error) {
	n, err := s.deletion.DeleteMessages(ctx, req.ChatID, req.MessageIDs, req.RequesterID)
	if err != nil {
		return nil, err
	}
	return &DeleteMessagesResponse{Deleted: n}, nil
}
