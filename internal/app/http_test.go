package app

import (
	"testing"

	"chatsync/pkg/auth"

	"github.com/valyala/fasthttp"
)

// TestSendPathVars verifies the fast-listener path matcher accepts only
// the send route and extracts the conversation id.
func TestSendPathVars(t *testing.T) {
	vars := sendPathVars("/v1/conversations/c-123/messages")
	if vars == nil || vars["id"] != "c-123" {
		t.Fatalf("send path not matched: %v", vars)
	}
	for _, p := range []string{
		"/v1/conversations//messages",
		"/v1/conversations/a/b/messages",
		"/v1/conversations/c-123",
		"/v1/conversations/c-123/typing",
		"/healthz",
	} {
		if v := sendPathVars(p); v != nil {
			t.Fatalf("path %q matched: %v", p, v)
		}
	}
}

// TestFastKeyAllowed covers key resolution from both headers across the
// three key sets.
func TestFastKeyAllowed(t *testing.T) {
	sec := auth.SecConfig{
		BackendKeys:  map[string]struct{}{"bk": {}},
		FrontendKeys: map[string]struct{}{"fk": {}},
		AdminKeys:    map[string]struct{}{"ak": {}},
	}

	mk := func(name, value string) *fasthttp.RequestHeader {
		var h fasthttp.RequestHeader
		if name != "" {
			h.Set(name, value)
		}
		return &h
	}

	if !fastKeyAllowed(mk("X-API-Key", "bk"), sec) {
		t.Fatalf("backend key rejected")
	}
	if !fastKeyAllowed(mk("Authorization", "Bearer fk"), sec) {
		t.Fatalf("frontend bearer key rejected")
	}
	if !fastKeyAllowed(mk("Authorization", "bearer ak"), sec) {
		t.Fatalf("case-insensitive bearer rejected")
	}
	if fastKeyAllowed(mk("X-API-Key", "wrong"), sec) {
		t.Fatalf("unknown key accepted")
	}
	if fastKeyAllowed(mk("", ""), sec) {
		t.Fatalf("missing key accepted")
	}
	if fastKeyAllowed(mk("Authorization", "Basic bk"), sec) {
		t.Fatalf("non-bearer auth accepted")
	}
}
