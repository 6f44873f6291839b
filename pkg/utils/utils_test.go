package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusConflict, "busy")

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "busy" {
		t.Fatalf("expected error busy, got %q", body["error"])
	}
}

func TestSSEFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)

	if err := SendSSEChunk(rec, rec, map[string]string{"event": "append"}); err != nil {
		t.Fatalf("SendSSEChunk: %v", err)
	}
	if err := SendSSEEvent(rec, rec, "heartbeat", map[string]int{"n": 1}); err != nil {
		t.Fatalf("SendSSEEvent: %v", err)
	}

	want := "data: {\"event\":\"append\"}\n\nevent: heartbeat\ndata: {\"n\":1}\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected body:\n%q\nwant:\n%q", got, want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !rec.Flushed {
		t.Fatal("expected flush")
	}
}
