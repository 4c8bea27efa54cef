package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"controlling_door/internal/service"
)

func TestPushHandlers_KeyAndSubscriptions(t *testing.T) {
	subs := newMemSubscriptions()
	s := &service.Service{Authorization: &mockAuth{parseID: 7}}
	r := newTestRouter(s, Options{
		Subscriptions: subs,
		PushPublicKey: "BPubKey123",
	})

	// key endpoint hands out the VAPID public key
	w := doAuthed(r, http.MethodGet, "/api/v1/push/key", "")
	if w.Code != http.StatusOK {
		t.Fatalf("key status=%d", w.Code)
	}
	var keyResp struct {
		PublicKey string `json:"public_key"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &keyResp)
	if keyResp.PublicKey != "BPubKey123" {
		t.Fatalf("public_key=%q", keyResp.PublicKey)
	}

	// register a subscription
	w = doAuthed(r, http.MethodPut, "/api/v1/push/subscriptions",
		`{"endpoint":"https://push.example/s1","p256dh":"key","auth":"secret"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("put status=%d, body=%s", w.Code, w.Body.String())
	}
	stored, ok := subs.subs["https://push.example/s1"]
	if !ok || stored.P256DH != "key" || stored.Auth != "secret" {
		t.Fatalf("subscription not stored: %+v", subs.subs)
	}

	// incomplete body → 400
	w = doAuthed(r, http.MethodPut, "/api/v1/push/subscriptions",
		`{"endpoint":"https://push.example/s2"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete subscription, got %d", w.Code)
	}

	// unsubscribe
	w = doAuthed(r, http.MethodDelete, "/api/v1/push/subscriptions",
		`{"endpoint":"https://push.example/s1"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", w.Code)
	}
	if len(subs.subs) != 0 {
		t.Fatalf("subscription not removed: %+v", subs.subs)
	}
}

func TestPushHandlers_KeyMissingWhenDisabled(t *testing.T) {
	s := &service.Service{Authorization: &mockAuth{parseID: 7}}
	r := newTestRouter(s, Options{Subscriptions: newMemSubscriptions()})

	w := doAuthed(r, http.MethodGet, "/api/v1/push/key", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with push disabled, got %d", w.Code)
	}
}
