// Package gateway exposes the agent's services over HTTP and WebSocket for
// clients that do not speak gRPC.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/identity"
)

// Services are the handlers the gateway fronts.
type Services struct {
	Chats    *api.ChatService
	Messages *api.MessageService
	Sync     *api.SyncService
	Presence *api.PresenceService
}

// Gateway is the HTTP front end.
type Gateway struct {
	svc      Services
	verifier api.Verifier
	logger   *zap.Logger
	server   *http.Server
}

// New creates a gateway. A nil verifier disables authentication and callers
// name the acting user in request bodies.
func New(svc Services, verifier api.Verifier, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{svc: svc, verifier: verifier, logger: logger}
}

// Routes returns the gateway's router.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(g.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(r chi.Router) {
		if g.verifier != nil {
			r.Use(g.authenticate)
		}
		r.Get("/status", g.getStatus)

		r.Route("/chats", func(r chi.Router) {
			r.Post("/", g.ensureChat)
			r.Get("/", g.listChats)
			r.Route("/{chatID}", func(r chi.Router) {
				r.Delete("/", g.deleteChat)
				r.Post("/summary", g.recomputeSummary)
				r.Get("/timeline", g.timeline)
				r.Post("/messages", g.send)
				r.Post("/messages/delete", g.deleteMessages)
				r.Delete("/messages/{messageID}", g.deleteMessage)
				r.Post("/seen", g.markSeen)
				r.Post("/typing", g.setTyping)
				r.Get("/ws", g.serveWS)
			})
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", g.listQueued)
			r.Post("/flush", g.flush)
			r.Post("/{localID}/requeue", g.requeue)
			r.Delete("/{localID}", g.discard)
		})
	})
	return r
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (g *Gateway) Start(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	g.server = &http.Server{Handler: g.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := g.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("http gateway stopped", zap.Error(err))
		}
	}()
	g.logger.Info("http gateway listening", zap.String("addr", lis.Addr().String()))
	return lis.Addr(), nil
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// authenticate reads a bearer token from the Authorization header, or from the
// token query parameter for WebSocket clients that cannot set headers.
func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if h := r.Header.Get("Authorization"); h != "" {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeProblem(w, http.StatusUnauthorized, "missing authentication token")
			return
		}
		userID, err := g.verifier.Verify(token)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), userID)))
	})
}
