package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"chatsync/pkg/auth"
	"chatsync/pkg/blob"
	"chatsync/pkg/directory"
	"chatsync/pkg/httpx"
	"chatsync/pkg/logger"
	"chatsync/pkg/presence"
	"chatsync/pkg/store"
	"chatsync/pkg/stream"
	"chatsync/pkg/utils"
	"chatsync/pkg/validation"

	"github.com/gorilla/mux"
)

// Deps carries the per-process services handlers need. Conversation,
// message and deletion operations are package-level over the shared
// store and take no handle.
type Deps struct {
	Presence *presence.Tracker
	Typing   *presence.Signal
	Blobs    *blob.Store
	Uploader *blob.Uploader
	// AllowedOrigins gates browser websocket upgrades the same way the
	// CORS middleware gates plain requests.
	AllowedOrigins []string
}

var deps Deps

// SetDeps installs the handler dependencies. Call once during startup
// before Handler.
func SetDeps(d Deps) { deps = d }

// Handler returns the /v1 API router.
func Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	// conversation directory
	r.HandleFunc("/v1/conversations/find", findOrCreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}", getConversation).Methods(http.MethodGet)
	r.HandleFunc("/v1/users/{user}/conversations", listConversations).Methods(http.MethodGet)

	// message stream
	r.HandleFunc("/v1/conversations/{id}/messages", listMessages).Methods(http.MethodGet)
	r.Handle("/v1/conversations/{id}/messages", httpx.NetHTTPAdapter(httpx.HandlerFunc(SendMessage))).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id}", getMessage).Methods(http.MethodGet)

	// reactions
	r.Handle("/v1/conversations/{id}/messages/{msgID}/reactions", httpx.NetHTTPAdapter(httpx.HandlerFunc(ToggleReaction))).Methods(http.MethodPost)

	// unread
	r.Handle("/v1/conversations/{id}/read", httpx.NetHTTPAdapter(httpx.HandlerFunc(MarkRead))).Methods(http.MethodPost)

	// deletion
	r.Handle("/v1/conversations/{id}/messages", httpx.NetHTTPAdapter(httpx.HandlerFunc(DeleteMessages))).Methods(http.MethodDelete)
	r.Handle("/v1/conversations", httpx.NetHTTPAdapter(httpx.HandlerFunc(DeleteConversations))).Methods(http.MethodDelete)

	// presence and typing
	r.Handle("/v1/presence", httpx.NetHTTPAdapter(httpx.HandlerFunc(SetPresence))).Methods(http.MethodPut)
	r.HandleFunc("/v1/presence", getPresence).Methods(http.MethodGet)
	r.Handle("/v1/conversations/{id}/typing", httpx.NetHTTPAdapter(httpx.HandlerFunc(SetTyping))).Methods(http.MethodPut)
	r.HandleFunc("/v1/conversations/{id}/typing", getTyping).Methods(http.MethodGet)

	// attachments
	r.HandleFunc("/v1/conversations/{id}/attachments", uploadAttachment).Methods(http.MethodPost)
	r.PathPrefix("/v1/blobs/").HandlerFunc(serveBlob).Methods(http.MethodGet)

	// live subscriptions
	r.HandleFunc("/v1/ws/users/{user}/conversations", wsConversations).Methods(http.MethodGet)
	r.HandleFunc("/v1/ws/conversations/{id}/messages", wsMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/ws/presence", wsPresence).Methods(http.MethodGet)
	r.HandleFunc("/v1/ws/conversations/{id}/typing", wsTyping).Methods(http.MethodGet)

	return r
}

func findOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(body.Participants) != 2 {
		utils.JSONError(w, http.StatusBadRequest, "exactly two participants required")
		return
	}
	a, b := body.Participants[0], body.Participants[1]
	if err := validation.ValidateParticipants(a, b); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, err := directory.FindOrCreate(r.Context(), a, b)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	logger.Info("conversation_resolved", "conversation", conv.ID, "participants", conv.Participants)
	utils.JSONWrite(w, http.StatusOK, conv)
}

func getConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conv, err := directory.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, conv)
}

func listConversations(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	if err := validation.ValidateID("user", user); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	convs, err := directory.ListFor(user)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

func listMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var msgs interface{}
	var err error
	if limit > 0 {
		msgs, err = stream.List(id, limit)
	} else {
		msgs, err = stream.List(id)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"conversation": id, "messages": msgs})
}

func getMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msg, _, err := stream.Get(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, msg)
}

func getPresence(w http.ResponseWriter, r *http.Request) {
	users := splitList(r.URL.Query().Get("users"))
	if len(users) == 0 {
		utils.JSONError(w, http.StatusBadRequest, "users query param required")
		return
	}
	out := make(map[string]bool, len(users))
	for _, u := range users {
		out[u] = deps.Presence.Online(u)
	}
	utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"presence": out})
}

func getTyping(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	// direct read; a throwaway watch may not have caught up yet
	snap := deps.Typing.Typing(id)
	utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"conversation": id, "typing": snap})
}

// identityFromRequest resolves the acting user for net/http handlers.
func identityFromRequest(r *http.Request, bodyUser string) (string, int, string) {
	return auth.ResolveUserFromRequest(r, bodyUser)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		utils.JSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrTxnConflict):
		utils.JSONError(w, http.StatusConflict, "conflict; retry")
	default:
		logger.Error("store_error", "error", err)
		utils.JSONError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
