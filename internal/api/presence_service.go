package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/presence"
)

// PresenceService implements the chatsync.v1.PresenceService service.
type PresenceService struct {
	tracker *presence.Tracker
}

// NewPresenceService creates a new presence service.
func NewPresenceService(t *presence.Tracker) *PresenceService {
	return &PresenceService{tracker: t}
}

func (s *PresenceService) SetTyping(ctx context.Context, req *SetTypingRequest) (*SetTypingResponse, error) {
	if err := s.tracker.SetTyping(ctx, req.ChatID, req.UserID, req.IsTyping); err != nil {
		return nil, err
	}
	return &SetTypingResponse{}, nil
}

// WatchTyping streams typing transitions of the other participant.
func (s *PresenceService) WatchTyping(req *WatchTypingRequest, stream ServerStream[TypingEvent]) error {
	ctx := stream.Context()
	events := make(chan TypingEvent, 16)
	sub, err := s.tracker.SubscribeTyping(ctx, req.ChatID, req.ViewerID, func(userID string, typing bool) {
		select {
		case events <- TypingEvent{ChatID: req.ChatID, UserID: userID, IsTyping: typing}:
		case <-ctx.Done():
		}
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
		case evt := <-events:
			if err := stream.Send(&evt); err != nil {
				return err
			}
		}
	}
}
