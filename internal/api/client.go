package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps a gRPC connection to the agent.
type Client struct {
	conn *grpc.ClientConn
}

// ClientOption configures Dial.
type ClientOption func(*[]grpc.DialOption)

// WithToken sends token as a bearer credential on every call.
func WithToken(token string) ClientOption {
	return func(opts *[]grpc.DialOption) {
		if token != "" {
			*opts = append(*opts, grpc.WithPerRPCCredentials(bearer(token)))
		}
	}
}

// WithDialOptions appends raw dial options, e.g. a custom dialer in tests.
func WithDialOptions(extra ...grpc.DialOption) ClientOption {
	return func(opts *[]grpc.DialOption) {
		*opts = append(*opts, extra...)
	}
}

// Dial connects to the agent's Unix domain socket.
func Dial(socketPath string, options ...ClientOption) (*Client, error) {
	return DialTarget("unix://"+socketPath, options...)
}

// DialTarget connects to any gRPC target.
func DialTarget(target string, options ...ClientOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	for _, o := range options {
		o(&opts)
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, service, method string, req any) (*Resp, error) {
	resp := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(service, method), req, resp); err != nil {
		return nil, FromStatus(err)
	}
	return resp, nil
}

// ClientStream is the receiving half of a server-streaming call.
type ClientStream[T any] struct {
	cs grpc.ClientStream
}

// Recv blocks for the next message. It returns io.EOF when the server ends
// the stream.
func (s *ClientStream[T]) Recv() (*T, error) {
	m := new(T)
	if err := s.cs.RecvMsg(m); err != nil {
		return nil, FromStatus(err)
	}
	return m, nil
}

func openStream[T any](ctx context.Context, c *Client, service, method string, req any) (*ClientStream[T], error) {
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	cs, err := c.conn.NewStream(ctx, desc, fullMethod(service, method))
	if err != nil {
		return nil, FromStatus(err)
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, FromStatus(err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, FromStatus(err)
	}
	return &ClientStream[T]{cs: cs}, nil
}

func (c *Client) EnsureChat(ctx context.Context, req *EnsureChatRequest) (*EnsureChatResponse, error) {
	return invoke[EnsureChatResponse](ctx, c, ChatServiceName, "EnsureChat", req)
}

func (c *Client) ListChats(ctx context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	return invoke[ListChatsResponse](ctx, c, ChatServiceName, "ListChats", req)
}

func (c *Client) DeleteChat(ctx context.Context, req *DeleteChatRequest) (*DeleteChatResponse, error) {
	return invoke[DeleteChatResponse](ctx, c, ChatServiceName, "DeleteChat", req)
}

func (c *Client) RecomputeSummary(ctx context.Context, req *RecomputeSummaryRequest) (*RecomputeSummaryResponse, error) {
	return invoke[RecomputeSummaryResponse](ctx, c, ChatServiceName, "RecomputeSummary", req)
}

func (c *Client) WatchChat(ctx context.Context, req *WatchChatRequest) (*ClientStream[Snapshot], error) {
	return openStream[Snapshot](ctx, c, ChatServiceName, "WatchChat", req)
}

func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c, MessageServiceName, "Send", req)
}

func (c *Client) Timeline(ctx context.Context, req *TimelineRequest) (*TimelineResponse, error) {
	return invoke[TimelineResponse](ctx, c, MessageServiceName, "Timeline", req)
}

func (c *Client) MarkSeen(ctx context.Context, req *MarkSeenRequest) (*MarkSeenResponse, error) {
	return invoke[MarkSeenResponse](ctx, c, MessageServiceName, "MarkSeen", req)
}

func (c *Client) DeleteMessage(ctx context.Context, req *DeleteMessageRequest) (*DeleteMessageResponse, error) {
	return invoke[DeleteMessageResponse](ctx, c, MessageServiceName, "DeleteMessage", req)
}

func (c *Client) DeleteMessages(ctx context.Context, req *DeleteMessagesRequest) (*DeleteMessagesResponse, error) {
	return invoke[DeleteMessagesResponse](ctx, c, MessageServiceName, "DeleteMessages", req)
}

func (c *Client) GetStatus(ctx context.Context) (*GetStatusResponse, error) {
	return invoke[GetStatusResponse](ctx, c, SyncServiceName, "GetStatus", &GetStatusRequest{})
}

func (c *Client) ListQueued(ctx context.Context, req *ListQueuedRequest) (*ListQueuedResponse, error) {
	return invoke[ListQueuedResponse](ctx, c, SyncServiceName, "ListQueued", req)
}

func (c *Client) Flush(ctx context.Context) (*FlushResponse, error) {
	return invoke[FlushResponse](ctx, c, SyncServiceName, "Flush", &FlushRequest{})
}

func (c *Client) Requeue(ctx context.Context, req *RequeueRequest) (*RequeueResponse, error) {
	return invoke[RequeueResponse](ctx, c, SyncServiceName, "Requeue", req)
}

func (c *Client) Discard(ctx context.Context, req *DiscardRequest) (*DiscardResponse, error) {
	return invoke[DiscardResponse](ctx, c, SyncServiceName, "Discard", req)
}

func (c *Client) WatchEvents(ctx context.Context, req *WatchEventsRequest) (*ClientStream[EventEnvelope], error) {
	return openStream[EventEnvelope](ctx, c, SyncServiceName, "WatchEvents", req)
}

func (c *Client) SetTyping(ctx context.Context, req *SetTypingRequest) (*SetTypingResponse, error) {
	return invoke[SetTypingResponse](ctx, c, PresenceServiceName, "SetTyping", req)
}

func (c *Client) WatchTyping(ctx context.Context, req *WatchTypingRequest) (*ClientStream[TypingEvent], error) {
	return openStream[TypingEvent](ctx, c, PresenceServiceName, "WatchTyping", req)
}
