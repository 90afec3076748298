package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/deletion"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/identity"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// ChatLookup loads a chat by id. *store.DB satisfies it.
type ChatLookup interface {
	GetChat(ctx context.Context, id string) (*chat.Chat, error)
}

// ChatService implements the chatsync.v1.ChatService service.
type ChatService struct {
	engine   *intsync.Engine
	deletion *deletion.Manager
	chats    ChatLookup
}

// NewChatService creates a new chat service.
func NewChatService(engine *intsync.Engine, del *deletion.Manager, chats ChatLookup) *ChatService {
	return &ChatService{engine: engine, deletion: del, chats: chats}
}

func (s *ChatService) EnsureChat(ctx context.Context, req *EnsureChatRequest) (*EnsureChatResponse, error) {
	id, err := s.engine.EnsureChat(ctx, req.UserA, req.UserB)
	if err != nil {
		return nil, err
	}
	return &EnsureChatResponse{ChatID: id}, nil
}

func (s *ChatService) ListChats(ctx context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	chats, err := s.engine.ListChats(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]Chat, 0, len(chats))
	for _, c := range chats {
		out = append(out, ChatFromDomain(c))
	}
	return &ListChatsResponse{Chats: out}, nil
}

func (s *ChatService) DeleteChat(ctx context.Context, req *DeleteChatRequest) (*DeleteChatResponse, error) {
	if err := s.deletion.DeleteChat(ctx, req.ChatID, req.RequesterID); err != nil {
		return nil, err
	}
	return &DeleteChatResponse{}, nil
}

func (s *ChatService) RecomputeSummary(ctx context.Context, req *RecomputeSummaryRequest) (*RecomputeSummaryResponse, error) {
	c, err := s.deletion.RecomputeChatSummary(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	return &RecomputeSummaryResponse{Chat: ChatFromDomain(chat.ChatOverview{Chat: *c})}, nil
}

// WatchChat streams a snapshot of the chat's message log on subscribe and after
// every change. A slow client only ever sees the latest snapshot.
func (s *ChatService) WatchChat(req *WatchChatRequest, stream ServerStream[Snapshot]) error {
	ctx := stream.Context()
	viewer := viewerOf(ctx, req.ViewerID)
	other := otherParticipant(ctx, s.chats, req.ChatID, viewer)

	latest := make(chan []chat.Message, 1)
	sub, err := s.engine.Subscribe(ctx, req.ChatID, func(msgs []chat.Message) {
		select {
		case <-latest:
		default:
		}
		latest <- msgs
	})
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case msgs := <-latest:
			if err := stream.Send(snapshotOf(req.ChatID, msgs, viewer, other)); err != nil {
				return err
			}
		}
	}
}

func snapshotOf(chatID string, msgs []chat.Message, viewer, other string) *Snapshot {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageFromDomain(m, delivery.ComputeStatus(m, viewer, other)))
	}
	return &Snapshot{ChatID: chatID, Messages: out}
}

// viewerOf returns id, or the authenticated user when id is empty.
func viewerOf(ctx context.Context, id string) string {
	if id != "" {
		return id
	}
	user, _ := identity.FromContext(ctx)
	return user
}

// otherParticipant returns the participant of chatID that is not viewer. It is
// empty when the chat cannot be loaded.
func otherParticipant(ctx context.Context, chats ChatLookup, chatID, viewer string) string {
	if chats == nil || viewer == "" {
		return ""
	}
	c, err := chats.GetChat(ctx, chatID)
	if err != nil || c == nil {
		return ""
	}
	return c.Other(viewer)
}
