package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"chatsync/pkg/deletion"
	"chatsync/pkg/directory"
	"chatsync/pkg/httpx"
	"chatsync/pkg/ingest"
	"chatsync/pkg/logger"
	"chatsync/pkg/reactions"
	"chatsync/pkg/store"
	"chatsync/pkg/stream"
	"chatsync/pkg/validation"
)

// Mutative handlers live in this file. They use the httpx handler shape
// so the same code serves both the gorilla/mux router and the optional
// fasthttp send listener. Sends are thin: the payload is enqueued into
// the ingest queue and a 202 returned; appends and the preview update
// happen in the worker. Reaction toggles, mark-read, presence, typing
// and deletes run synchronously since their error contract matters to
// callers.

func writeJSONX(w httpx.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(writerOnly{w}).Encode(v)
}

func errorJSONX(w httpx.ResponseWriter, status int, msg string) {
	writeJSONX(w, status, map[string]string{"error": msg})
}

// writerOnly hides WriteHeader from json.NewEncoder's interface checks.
type writerOnly struct{ w httpx.ResponseWriter }

func (wo writerOnly) Write(b []byte) (int, error) { return wo.w.Write(b) }

// resolveUserX resolves the acting user for httpx handlers: the
// X-User-ID header wins, body identity must agree when both are set.
func resolveUserX(r *httpx.Request, bodyUser string) (string, int, string) {
	header := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if header != "" && bodyUser != "" && header != bodyUser {
		return "", http.StatusForbidden, "user mismatch between header and body"
	}
	user := header
	if user == "" {
		user = bodyUser
	}
	if user == "" {
		user = strings.TrimSpace(r.Query.Get("user"))
	}
	if user == "" {
		return "", http.StatusUnauthorized, "user identity required"
	}
	if err := validation.ValidateID("user", user); err != nil {
		return "", http.StatusBadRequest, err.Error()
	}
	return user, 0, ""
}

func writeStoreErrorX(w httpx.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		errorJSONX(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrTxnConflict):
		errorJSONX(w, http.StatusConflict, "conflict; retry")
	default:
		logger.Error("store_error", "error", err)
		errorJSONX(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

// SendMessage handles POST /v1/conversations/{id}/messages. The body is
// an ingest.SendRequest without the conversation field (taken from the
// path). Validation runs up front so the caller gets a 4xx instead of a
// silent queue drop; the appends happen in the worker.
func SendMessage(w httpx.ResponseWriter, r *httpx.Request) {
	convID := r.Var("id")
	if convID == "" {
		errorJSONX(w, http.StatusBadRequest, "conversation id missing")
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		errorJSONX(w, http.StatusBadRequest, "read body failed")
		return
	}
	var req ingest.SendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		errorJSONX(w, http.StatusBadRequest, "invalid json")
		return
	}
	user, status, msg := resolveUserX(r, req.Sender)
	if status != 0 {
		errorJSONX(w, status, msg)
		return
	}
	if err := validation.ValidateSend(convID, user, req.Text, len(req.Attachments)); err != nil {
		errorJSONX(w, http.StatusBadRequest, err.Error())
		return
	}
	op := &ingest.Op{
		Conv:    convID,
		Sender:  user,
		Payload: append([]byte(nil), payload...),
		TS:      store.Now(),
		Extras: map[string]string{
			"role":     r.Header.Get("X-Role-Name"),
			"identity": user,
			"remote":   r.RemoteAddr,
		},
	}
	if err := ingest.DefaultQueue.TryEnqueue(op); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			errorJSONX(w, http.StatusTooManyRequests, "server busy; try again")
			return
		}
		errorJSONX(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSONX(w, http.StatusAccepted, map[string]string{"status": "accepted", "conversation": convID})
}

// ToggleReaction handles POST /v1/conversations/{id}/messages/{msgID}/reactions.
// The toggle is a single atomic transaction so conflicts surface here.
func ToggleReaction(w httpx.ResponseWriter, r *httpx.Request) {
	convID := r.Var("id")
	msgID := r.Var("msgID")
	if convID == "" || msgID == "" {
		errorJSONX(w, http.StatusBadRequest, "conversation id or message id missing")
		return
	}
	var body struct {
		User  string `json:"user"`
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSONX(w, http.StatusBadRequest, "invalid json")
		return
	}
	user, status, msg := resolveUserX(r, body.User)
	if status != 0 {
		errorJSONX(w, status, msg)
		return
	}
	if err := validation.ValidateEmoji(body.Emoji); err != nil {
		errorJSONX(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := reactions.Toggle(r.Ctx, convID, msgID, user, body.Emoji); err != nil {
		writeStoreErrorX(w, err)
		return
	}
	msgDoc, _, err := stream.Get(msgID)
	if err != nil {
		writeStoreErrorX(w, err)
		return
	}
	writeJSONX(w, http.StatusOK, map[string]interface{}{"reactions": msgDoc.Reactions})
}

// MarkRead handles POST /v1/conversations/{id}/read.
func MarkRead(w httpx.ResponseWriter, r *httpx.Request) {
	convID := r.Var("id")
	if convID == "" {
		errorJSONX(w, http.StatusBadRequest, "conversation id missing")
		return
	}
	var body struct {
		User string `json:"user"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	user, status, msg := resolveUserX(r, body.User)
	if status != 0 {
		errorJSONX(w, status, msg)
		return
	}
	if err := directory.MarkRead(r.Ctx, convID, user); err != nil {
		writeStoreErrorX(w, err)
		return
	}
	writeJSONX(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetPresence handles PUT /v1/presence.
func SetPresence(w httpx.ResponseWriter, r *httpx.Request) {
	var body struct {
		User   string `json:"user"`
		Online bool   `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSONX(w, http.StatusBadRequest, "invalid json")
		return
	}
	user, status, msg := resolveUserX(r, body.User)
	if status != 0 {
		errorJSONX(w, status, msg)
		return
	}
	deps.Presence.SetOnline(user, body.Online)
	writeJSONX(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetTyping handles PUT /v1/conversations/{id}/typing.
func SetTyping(w httpx.ResponseWriter, r *httpx.Request) {
	convID := r.Var("id")
	if convID == "" {
		errorJSONX(w, http.StatusBadRequest, "conversation id missing")
		return
	}
	var body struct {
		User   string `json:"user"`
		Typing bool   `json:"typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSONX(w, http.StatusBadRequest, "invalid json")
		return
	}
	user, status, msg := resolveUserX(r, body.User)
	if status != 0 {
		errorJSONX(w, status, msg)
		return
	}
	deps.Typing.Set(convID, user, body.Typing)
	writeJSONX(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeleteMessages handles DELETE /v1/conversations/{id}/messages with a
// body of {"ids": [...]}. Partial failures return 207 with the failed ids.
func DeleteMessages(w httpx.ResponseWriter, r *httpx.Request) {
	convID := r.Var("id")
	if convID == "" {
		errorJSONX(w, http.StatusBadRequest, "conversation id missing")
		return
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSONX(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(body.IDs) == 0 {
		errorJSONX(w, http.StatusBadRequest, "ids required")
		return
	}
	err := deletion.DeleteMessages(r.Ctx, convID, body.IDs)
	var partial *deletion.PartialBatchError
	if errors.As(err, &partial) {
		writeJSONX(w, http.StatusMultiStatus, map[string]interface{}{"status": "partial", "failed": partial.FailedIDs()})
		return
	}
	if err != nil {
		writeStoreErrorX(w, err)
		return
	}
	writeJSONX(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeleteConversations handles DELETE /v1/conversations with a body of
// {"ids": [...]}.
func DeleteConversations(w httpx.ResponseWriter, r *httpx.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSONX(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(body.IDs) == 0 {
		errorJSONX(w, http.StatusBadRequest, "ids required")
		return
	}
	err := deletion.DeleteConversations(r.Ctx, body.IDs)
	var partial *deletion.PartialBatchError
	if errors.As(err, &partial) {
		writeJSONX(w, http.StatusMultiStatus, map[string]interface{}{"status": "partial", "failed": partial.FailedIDs()})
		return
	}
	if err != nil {
		writeStoreErrorX(w, err)
		return
	}
	writeJSONX(w, http.StatusOK, map[string]string{"status": "ok"})
}
