package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/chat"
)

const maxBodySize = 1 << 20

type problem struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, problem{Error: msg})
}

// StatusCode maps a domain error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrConnectivity):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeProblem(w, StatusCode(err), err.Error())
}

// decode reads an optional JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		return &chat.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// respond writes resp, or the mapped error.
func respond[T any](w http.ResponseWriter, status int, resp *T, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, resp)
}

func (g *Gateway) getStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := g.svc.Sync.GetStatus(r.Context(), &api.GetStatusRequest{})
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) ensureChat(w http.ResponseWriter, r *http.Request) {
	var req api.EnsureChatRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := g.svc.Chats.EnsureChat(r.Context(), &req)
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) listChats(w http.ResponseWriter, r *http.Request) {
	req := api.ListChatsRequest{UserID: r.URL.Query().Get("user")}
	resp, err := g.svc.Chats.ListChats(r.Context(), &req)
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) deleteChat(w http.ResponseWriter, r *http.Request) {
	req := api.DeleteChatRequest{ChatID: chi.URLParam(r, "chatID"), RequesterID: r.URL.Query().Get("requester")}
	resp, err := g.svc.Chats.DeleteChat(r.Context(), &req)
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) recomputeSummary(w http.ResponseWriter, r *http.Request) {
	req := api.RecomputeSummaryRequest{ChatID: chi.URLParam(r, "chatID")}
	resp, err := g.svc.Chats.RecomputeSummary(r.Context(), &req)
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) timeline(w http.ResponseWriter, r *http.Request) {
	req := api.TimelineRequest{ChatID: chi.URLParam(r, "chatID"), ViewerID: r.URL.Query().Get("viewer")}
	resp, err := g.svc.Messages.Timeline(r.Context(), &req)
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) send(w http.ResponseWriter, r *http.Request) {
	var req api.SendRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ChatID = chi.URLParam(r, "chatID")
	resp, err := g.svc.Messages.Send(r.Context(), &req)
	status := http.StatusCreated
	if resp != nil && resp.Pending {
		status = http.StatusAccepted
	}
	respond(w, status, resp, err)
}

func (g *Gateway) markSeen(w http.ResponseWriter, r *http.Request) {
	var req api.MarkSeenRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ChatID = chi.URLParam(r, "chatID")
	resp, err := g.svc.Messages.MarkSeen(r.Context(), &req)
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) deleteMessage(w http.ResponseWriter, r *http.Request) {
	req := api.DeleteMessageRequest{
		ChatID:      chi.URLParam(r, "chatID"),
		MessageID:   chi.URLParam(r, "messageID"),
		RequesterID: r.URL.Query().Get("requester"),
	}
	resp, err := g.svc.Messages.DeleteMessage(r.Context(), &req)
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) deleteMessages(w http.ResponseWriter, r *http.Request) {
	var req api.DeleteMessagesRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ChatID = chi.URLParam(r, "chatID")
	resp, err := g.svc.Messages.DeleteMessages(r.Context(), &req)
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) setTyping(w http.ResponseWriter, r *http.Request) {
	var req api.SetTypingRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ChatID = chi.URLParam(r, "chatID")
	resp, err := g.svc.Presence.SetTyping(r.Context(), &req)
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) listQueued(w http.ResponseWriter, r *http.Request) {
	req := api.ListQueuedRequest{ChatID: r.URL.Query().Get("chat")}
	resp, err := g.svc.Sync.ListQueued(r.Context(), &req)
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) flush(w http.ResponseWriter, r *http.Request) {
	resp, err := g.svc.Sync.Flush(r.Context(), &api.FlushRequest{})
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) requeue(w http.ResponseWriter, r *http.Request) {
	req := api.RequeueRequest{LocalID: chi.URLParam(r, "localID")}
	resp, err := g.svc.Sync.Requeue(r.Context(), &req)
	respond(w, http.StatusOK, resp, err)
}

func (g *Gateway) discard(w http.ResponseWriter, r *http.Request) {
	req := api.DiscardRequest{LocalID: chi.URLParam(r, "localID")}
	resp, err := g.svc.Sync.Discard(r.Context(), &req)
	if err == nil && !resp.Discarded {
		err = &chat.NotFoundError{Kind: "dead letter", ID: req.LocalID}
	}
	respond(w, http.StatusOK, resp, err)
}
