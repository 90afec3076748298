package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/netstate"
	"github.com/matheus3301/chatsync/internal/outbox"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// SyncService implements the chatsync.v1.SyncService service: connectivity
// status, the offline queue and the raw event stream.
type SyncService struct {
	profile   string
	startedAt time.Time
	machine   *netstate.Machine
	outbox    *outbox.Manager
	engine    *intsync.Engine
	bus       *bus.Bus
}

// NewSyncService creates a new sync service.
func NewSyncService(profile string, machine *netstate.Machine, m *outbox.Manager, engine *intsync.Engine, b *bus.Bus) *SyncService {
	return &SyncService{
		profile:   profile,
		startedAt: time.Now(),
		machine:   machine,
		outbox:    m,
		engine:    engine,
		bus:       b,
	}
}

func (s *SyncService) GetStatus(_ context.Context, _ *GetStatusRequest) (*GetStatusResponse, error) {
	resp := &GetStatusResponse{
		Profile:  s.profile,
		Network:  string(netstate.Unknown),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if s.machine != nil {
		resp.Network = string(s.machine.Current())
		resp.NetworkSinceUnixMs = unixMs(s.machine.Since())
	}
	if s.outbox != nil {
		q := s.outbox.Queue()
		n, err := q.Len()
		if err != nil {
			return nil, err
		}
		dead, err := q.DeadLetters("")
		if err != nil {
			return nil, err
		}
		resp.Queued = n
		resp.DeadLetters = len(dead)
	}
	return resp, nil
}

func (s *SyncService) ListQueued(ctx context.Context, req *ListQueuedRequest) (*ListQueuedResponse, error) {
	queued, err := s.engine.ListQueued(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	dead, err := s.engine.ListDeadLetters(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	resp := &ListQueuedResponse{
		Queued:      make([]QueuedEntry, 0, len(queued)),
		DeadLetters: make([]QueuedEntry, 0, len(dead)),
	}
	for _, q := range queued {
		resp.Queued = append(resp.Queued, QueuedFromDomain(q))
	}
	for _, d := range dead {
		resp.DeadLetters = append(resp.DeadLetters, DeadLetterFromDomain(d))
	}
	return resp, nil
}

func (s *SyncService) Flush(ctx context.Context, _ *FlushRequest) (*FlushResponse, error) {
	res, err := s.outbox.Flush(ctx)
	if err != nil {
		return nil, err
	}
	return &FlushResponse{
		Attempted:    res.Attempted,
		Delivered:    res.Delivered,
		Retried:      res.Retried,
		DeadLettered: res.DeadLettered,
		Interrupted:  res.Interrupted,
	}, nil
}

func (s *SyncService) Requeue(ctx context.Context, req *RequeueRequest) (*RequeueResponse, error) {
	if ok, err := s.engine.AuthorizeDeadLetter(ctx, req.LocalID); !ok {
		if err != nil {
			return nil, err
		}
		return &RequeueResponse{}, nil
	}
	entry, err := s.outbox.Requeue(req.LocalID)
	if err != nil {
		return nil, err
	}
	return &RequeueResponse{Entry: QueuedFromDomain(entry)}, nil
}

func (s *SyncService) Discard(ctx context.Context, req *DiscardRequest) (*DiscardResponse, error) {
	if ok, err := s.engine.AuthorizeDeadLetter(ctx, req.LocalID); !ok {
		if err != nil {
			return nil, err
		}
		return &DiscardResponse{}, nil
	}
	ok, err := s.outbox.Discard(req.LocalID)
	if err != nil {
		return nil, err
	}
	return &DiscardResponse{Discarded: ok}, nil
}

// WatchEvents streams every bus event whose kind starts with req.Prefix.
func (s *SyncService) WatchEvents(req *WatchEventsRequest, stream ServerStream[EventEnvelope]) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if err := stream.Send(s.envelope(evt)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *SyncService) envelope(evt bus.Event) *EventEnvelope {
	env := &EventEnvelope{
		EventID:          evt.ID,
		Profile:          s.profile,
		Kind:             evt.Kind,
		OccurredAtUnixMs: unixMs(evt.Timestamp),
		Origin:           evt.Origin,
	}
	if evt.Payload != nil {
		if payload, err := json.Marshal(evt.Payload); err == nil {
			env.Payload = payload
		}
	}
	return env
}
