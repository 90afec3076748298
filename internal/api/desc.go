package api

import (
	"context"

	"google.golang.org/grpc"
)

// Service names on the wire.
const (
	ChatServiceName     = "chatsync.v1.ChatService"
	MessageServiceName  = "chatsync.v1.MessageService"
	SyncServiceName     = "chatsync.v1.SyncService"
	PresenceServiceName = "chatsync.v1.PresenceService"
)

// ServerStream is the sending half of a server-streaming call.
type ServerStream[T any] interface {
	Send(*T) error
	Context() context.Context
}

type serverStream[T any] struct {
	grpc.ServerStream
}

func (s *serverStream[T]) Send(m *T) error {
	return s.ServerStream.SendMsg(m)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary adapts a service method to a grpc.MethodDesc. Domain errors are turned
// into status errors after interceptors see them.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(S), ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(service, method)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// serverStreaming adapts a streaming service method to a grpc.StreamDesc.
func serverStreaming[S any, Req any, Resp any](method string, call func(S, *Req, ServerStream[Resp]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return toStatus(call(srv.(S), in, &serverStream[Resp]{stream}))
		},
	}
}

type chatServer interface {
	EnsureChat(context.Context, *EnsureChatRequest) (*EnsureChatResponse, error)
	ListChats(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
	DeleteChat(context.Context, *DeleteChatRequest) (*DeleteChatResponse, error)
	RecomputeSummary(context.Context, *RecomputeSummaryRequest) (*RecomputeSummaryResponse, error)
	WatchChat(*WatchChatRequest, ServerStream[Snapshot]) error
}

type messageServer interface {
	Send(context.Context, *SendRequest) (*SendResponse, error)
	Timeline(context.Context, *TimelineRequest) (*TimelineResponse, error)
	MarkSeen(context.Context, *MarkSeenRequest) (*MarkSeenResponse, error)
	DeleteMessage(context.Context, *DeleteMessageRequest) (*DeleteMessageResponse, error)
	DeleteMessages(context.Context, *DeleteMessagesRequest) (*DeleteMessagesResponse, error)
}

type syncServer interface {
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
	ListQueued(context.Context, *ListQueuedRequest) (*ListQueuedResponse, error)
	Flush(context.Context, *FlushRequest) (*FlushResponse, error)
	Requeue(context.Context, *RequeueRequest) (*RequeueResponse, error)
	Discard(context.Context, *DiscardRequest) (*DiscardResponse, error)
	WatchEvents(*WatchEventsRequest, ServerStream[EventEnvelope]) error
}

type presenceServer interface {
	SetTyping(context.Context, *SetTypingRequest) (*SetTypingResponse, error)
	WatchTyping(*WatchTypingRequest, ServerStream[TypingEvent]) error
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*chatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ChatServiceName, "EnsureChat", chatServer.EnsureChat),
		unary(ChatServiceName, "ListChats", chatServer.ListChats),
		unary(ChatServiceName, "DeleteChat", chatServer.DeleteChat),
		unary(ChatServiceName, "RecomputeSummary", chatServer.RecomputeSummary),
	},
	Streams: []grpc.StreamDesc{
		serverStreaming("WatchChat", chatServer.WatchChat),
	},
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*messageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "Send", messageServer.Send),
		unary(MessageServiceName, "Timeline", messageServer.Timeline),
		unary(MessageServiceName, "MarkSeen", messageServer.MarkSeen),
		unary(MessageServiceName, "DeleteMessage", messageServer.DeleteMessage),
		unary(MessageServiceName, "DeleteMessages", messageServer.DeleteMessages),
	},
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*syncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SyncServiceName, "GetStatus", syncServer.GetStatus),
		unary(SyncServiceName, "ListQueued", syncServer.ListQueued),
		unary(SyncServiceName, "Flush", syncServer.Flush),
		unary(SyncServiceName, "Requeue", syncServer.Requeue),
		unary(SyncServiceName, "Discard", syncServer.Discard),
	},
	Streams: []grpc.StreamDesc{
		serverStreaming("WatchEvents", syncServer.WatchEvents),
	},
}

var presenceServiceDesc = grpc.ServiceDesc{
	ServiceName: PresenceServiceName,
	HandlerType: (*presenceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(PresenceServiceName, "SetTyping", presenceServer.SetTyping),
	},
	Streams: []grpc.StreamDesc{
		serverStreaming("WatchTyping", presenceServer.WatchTyping),
	},
}

// Register registers every service on srv. A nil service is skipped.
func Register(srv grpc.ServiceRegistrar, chats *ChatService, messages *MessageService, sync *SyncService, presence *PresenceService) {
	if chats != nil {
		srv.RegisterService(&chatServiceDesc, chats)
	}
	if messages != nil {
		srv.RegisterService(&messageServiceDesc, messages)
	}
	if sync != nil {
		srv.RegisterService(&syncServiceDesc, sync)
	}
	if presence != nil {
		srv.RegisterService(&presenceServiceDesc, presence)
	}
}
