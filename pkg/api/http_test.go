package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/pkg/blob"
	"chatsync/pkg/ephemeral"
	"chatsync/pkg/ingest"
	"chatsync/pkg/models"
	"chatsync/pkg/presence"
	"chatsync/pkg/store"
	"chatsync/pkg/stream"

	"github.com/gorilla/websocket"
)

// setupServer boots a full API stack over temp dirs: pebble store, blob
// store, ephemeral signals and a small worker pool draining the send
// queue.
func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	blobs, err := blob.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	stream.SetBlobStore(blobs)
	t.Cleanup(func() { stream.SetBlobStore(nil) })

	es := ephemeral.New()
	SetDeps(Deps{
		Presence:       presence.NewTracker(es),
		Typing:         presence.NewSignal(es),
		Blobs:          blobs,
		Uploader:       blob.NewUploader(blobs),
		AllowedOrigins: []string{"https://chat.example.com"},
	})

	q := ingest.NewQueue(64)
	ingest.SetDefaultQueue(q)
	stop := make(chan struct{})
	ingest.StartWorkers(q, 2, stop)
	t.Cleanup(func() { close(stop) })

	srv := httptest.NewServer(Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, user string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	out := map[string]interface{}{}
	data, _ := io.ReadAll(res.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	return res, out
}

func findConversation(t *testing.T, srv *httptest.Server, a, b string) string {
	t.Helper()
	res, out := doJSON(t, "POST", srv.URL+"/v1/conversations/find", a, map[string]interface{}{
		"participants": []string{a, b},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("find: status %d body %v", res.StatusCode, out)
	}
	id, _ := out["id"].(string)
	if id == "" {
		t.Fatalf("find: missing conversation id: %v", out)
	}
	return id
}

// waitForMessages polls the list endpoint until n messages exist; sends
// are processed asynchronously.
func waitForMessages(t *testing.T, srv *httptest.Server, convID string, n int) []interface{} {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		res, out := doJSON(t, "GET", srv.URL+"/v1/conversations/"+convID+"/messages", "alice", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list messages: status %d", res.StatusCode)
		}
		msgs, _ := out["messages"].([]interface{})
		if len(msgs) >= n {
			return msgs
		}
		select {
		case <-deadline:
			t.Fatalf("saw %d messages, want %d", len(msgs), n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// waitForUnread polls the conversation until user's unread count matches.
func waitForUnread(t *testing.T, srv *httptest.Server, convID, user string, want float64) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		res, out := doJSON(t, "GET", srv.URL+"/v1/conversations/"+convID, user, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get conversation: status %d", res.StatusCode)
		}
		unread, _ := out["unread"].(map[string]interface{})
		got, _ := unread[user].(float64)
		if got == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("%s unread = %v, want %v", user, got, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestSendAndListFlow walks the happy path: find conversation, async
// send, list, fetch by id, unread and read mark.
func TestSendAndListFlow(t *testing.T) {
	srv := setupServer(t)
	convID := findConversation(t, srv, "alice", "bob")

	// Finding again with reversed participants is the same conversation.
	if again := findConversation(t, srv, "bob", "alice"); again != convID {
		t.Fatalf("find not idempotent: %q vs %q", again, convID)
	}

	res, out := doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/messages", "alice", map[string]interface{}{
		"text": "hello bob",
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("send: status %d body %v", res.StatusCode, out)
	}

	msgs := waitForMessages(t, srv, convID, 1)
	first, _ := msgs[0].(map[string]interface{})
	if first["text"] != "hello bob" || first["sender"] != "alice" {
		t.Fatalf("unexpected message: %v", first)
	}
	msgID, _ := first["id"].(string)

	res, out = doJSON(t, "GET", srv.URL+"/v1/messages/"+msgID, "bob", nil)
	if res.StatusCode != http.StatusOK || out["text"] != "hello bob" {
		t.Fatalf("get message: status %d body %v", res.StatusCode, out)
	}

	// The send increments bob's unread once the worker finishes the
	// preview update, which trails the append.
	waitForUnread(t, srv, convID, "bob", 1)
	res, _ = doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/read", "bob", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mark read: status %d", res.StatusCode)
	}
	waitForUnread(t, srv, convID, "bob", 0)

	// The conversation shows up in both users' listings.
	res, out = doJSON(t, "GET", srv.URL+"/v1/users/bob/conversations", "bob", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list conversations: status %d", res.StatusCode)
	}
	convs, _ := out["conversations"].([]interface{})
	if len(convs) != 1 {
		t.Fatalf("bob sees %d conversations, want 1", len(convs))
	}
}

// TestSendRejections covers identity and validation failures on the send
// endpoint.
func TestSendRejections(t *testing.T) {
	srv := setupServer(t)
	convID := findConversation(t, srv, "alice", "bob")

	res, _ := doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/messages", "", map[string]interface{}{"text": "hi"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous send: status %d, want 401", res.StatusCode)
	}

	res, _ = doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/messages", "alice", map[string]interface{}{
		"sender": "bob", "text": "hi",
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("mismatched identity: status %d, want 403", res.StatusCode)
	}

	res, _ = doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/messages", "alice", map[string]interface{}{})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty send: status %d, want 400", res.StatusCode)
	}
}

// TestReactionEndpoint verifies the synchronous toggle round trip and the
// 404 on unknown messages.
func TestReactionEndpoint(t *testing.T) {
	srv := setupServer(t)
	convID := findConversation(t, srv, "alice", "bob")

	doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/messages", "alice", map[string]interface{}{"text": "react to me"})
	msgs := waitForMessages(t, srv, convID, 1)
	first, _ := msgs[0].(map[string]interface{})
	msgID, _ := first["id"].(string)

	url := srv.URL + "/v1/conversations/" + convID + "/messages/" + msgID + "/reactions"
	res, out := doJSON(t, "POST", url, "bob", map[string]interface{}{"emoji": "👍"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle: status %d body %v", res.StatusCode, out)
	}
	reacts, _ := out["reactions"].(map[string]interface{})
	if _, ok := reacts["👍"]; !ok {
		t.Fatalf("reaction missing from response: %v", out)
	}

	// Toggle off.
	res, out = doJSON(t, "POST", url, "bob", map[string]interface{}{"emoji": "👍"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle off: status %d", res.StatusCode)
	}
	if reacts, _ := out["reactions"].(map[string]interface{}); len(reacts) != 0 {
		t.Fatalf("reaction survived toggle off: %v", out)
	}

	res, _ = doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/messages/ghost/reactions", "bob", map[string]interface{}{"emoji": "👍"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown message: status %d, want 404", res.StatusCode)
	}
}

// TestPresenceAndTypingEndpoints exercises the ephemeral read/write
// surface.
func TestPresenceAndTypingEndpoints(t *testing.T) {
	srv := setupServer(t)
	convID := findConversation(t, srv, "alice", "bob")

	res, _ := doJSON(t, "PUT", srv.URL+"/v1/presence", "alice", map[string]interface{}{"online": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set presence: status %d", res.StatusCode)
	}
	res, out := doJSON(t, "GET", srv.URL+"/v1/presence?users=alice,bob", "bob", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get presence: status %d", res.StatusCode)
	}
	p, _ := out["presence"].(map[string]interface{})
	if p["alice"] != true || p["bob"] != false {
		t.Fatalf("presence map: %v", p)
	}

	res, _ = doJSON(t, "PUT", srv.URL+"/v1/conversations/"+convID+"/typing", "alice", map[string]interface{}{"typing": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set typing: status %d", res.StatusCode)
	}
	res, out = doJSON(t, "GET", srv.URL+"/v1/conversations/"+convID+"/typing", "bob", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get typing: status %d", res.StatusCode)
	}
	ty, _ := out["typing"].(map[string]interface{})
	if ty["alice"] != true {
		t.Fatalf("typing map: %v", ty)
	}
}

// TestAttachmentUploadAndServe uploads through the multipart endpoint,
// sends a message referencing it and fetches the blob back.
func TestAttachmentUploadAndServe(t *testing.T) {
	srv := setupServer(t)
	convID := findConversation(t, srv, "alice", "bob")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "pic.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fmt.Fprint(fw, "fake png bytes")
	mw.Close()

	req, err := http.NewRequest("POST", srv.URL+"/v1/conversations/"+convID+"/attachments", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "alice")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload: status %d", res.StatusCode)
	}
	var att models.Attachment
	if err := json.NewDecoder(res.Body).Decode(&att); err != nil {
		t.Fatalf("decode attachment: %v", err)
	}
	if att.Type != "image/png" || !strings.HasPrefix(att.Path, "conversations/"+convID+"/") {
		t.Fatalf("unexpected attachment: %+v", att)
	}

	sres, _ := doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/messages", "alice", map[string]interface{}{
		"attachments": []models.Attachment{att},
	})
	if sres.StatusCode != http.StatusAccepted {
		t.Fatalf("send attachment message: status %d", sres.StatusCode)
	}
	msgs := waitForMessages(t, srv, convID, 1)
	m, _ := msgs[0].(map[string]interface{})
	if m["type"] != models.TypeImage || m["file_name"] != "pic.png" {
		t.Fatalf("attachment message: %v", m)
	}

	bres, err := http.Get(srv.URL + att.URL)
	if err != nil {
		t.Fatalf("fetch blob: %v", err)
	}
	defer bres.Body.Close()
	if bres.StatusCode != http.StatusOK {
		t.Fatalf("fetch blob: status %d", bres.StatusCode)
	}
	data, _ := io.ReadAll(bres.Body)
	if string(data) != "fake png bytes" {
		t.Fatalf("blob content: %q", data)
	}
}

// TestDeletionEndpoints covers message batch delete and the conversation
// cascade including partial failure reporting.
func TestDeletionEndpoints(t *testing.T) {
	srv := setupServer(t)
	convID := findConversation(t, srv, "alice", "bob")

	doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/messages", "alice", map[string]interface{}{"text": "one"})
	doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/messages", "alice", map[string]interface{}{"text": "two"})
	msgs := waitForMessages(t, srv, convID, 2)
	first, _ := msgs[0].(map[string]interface{})
	firstID, _ := first["id"].(string)

	req, _ := http.NewRequest("DELETE", srv.URL+"/v1/conversations/"+convID+"/messages",
		bytes.NewReader([]byte(`{"ids":["`+firstID+`"]}`)))
	req.Header.Set("X-User-ID", "alice")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete messages: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete messages: status %d", res.StatusCode)
	}
	remaining := waitForMessages(t, srv, convID, 1)
	if len(remaining) != 1 {
		t.Fatalf("%d messages remain, want 1", len(remaining))
	}

	req, _ = http.NewRequest("DELETE", srv.URL+"/v1/conversations",
		bytes.NewReader([]byte(`{"ids":["`+convID+`"]}`)))
	req.Header.Set("X-User-ID", "alice")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete conversation: status %d", res.StatusCode)
	}
	gres, _ := doJSON(t, "GET", srv.URL+"/v1/conversations/"+convID, "alice", nil)
	if gres.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted conversation fetch: status %d, want 404", gres.StatusCode)
	}
}

// TestWebSocketMessages verifies the live message stream: an immediate
// snapshot on connect, then a fresh one after a send lands.
func TestWebSocketMessages(t *testing.T) {
	srv := setupServer(t)
	convID := findConversation(t, srv, "alice", "bob")
	doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/messages", "alice", map[string]interface{}{"text": "first"})
	waitForMessages(t, srv, convID, 1)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws/conversations/" + convID + "/messages"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readSnapshot := func() []interface{} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		msgs, _ := frame["messages"].([]interface{})
		return msgs
	}

	snap := readSnapshot()
	if len(snap) != 1 {
		t.Fatalf("initial snapshot holds %d messages, want 1", len(snap))
	}

	doJSON(t, "POST", srv.URL+"/v1/conversations/"+convID+"/messages", "bob", map[string]interface{}{"text": "second"})
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap = readSnapshot()
		if len(snap) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never grew past %d messages", len(snap))
		}
	}
	last, _ := snap[len(snap)-1].(map[string]interface{})
	if last["text"] != "second" {
		t.Fatalf("unexpected latest message: %v", last)
	}
}

// TestWebSocketOriginCheck verifies browser upgrades are held to the
// configured origins while origin-less clients pass.
func TestWebSocketOriginCheck(t *testing.T) {
	srv := setupServer(t)
	convID := findConversation(t, srv, "alice", "bob")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws/conversations/" + convID + "/messages"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		conn.Close()
		t.Fatalf("upgrade with disallowed origin succeeded")
	}

	conn, _, err = websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://chat.example.com"}})
	if err != nil {
		t.Fatalf("upgrade with allowed origin: %v", err)
	}
	conn.Close()
}

// TestFindValidation covers the participant rules on the find endpoint.
func TestFindValidation(t *testing.T) {
	srv := setupServer(t)

	res, _ := doJSON(t, "POST", srv.URL+"/v1/conversations/find", "alice", map[string]interface{}{
		"participants": []string{"alice"},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("single participant: status %d, want 400", res.StatusCode)
	}
	res, _ = doJSON(t, "POST", srv.URL+"/v1/conversations/find", "alice", map[string]interface{}{
		"participants": []string{"alice", "alice"},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("self pair: status %d, want 400", res.StatusCode)
	}
}
