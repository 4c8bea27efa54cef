package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"controlling_door/internal/service"
)

func TestAuthHandlers_SignUpSignIn(t *testing.T) {
	auth := &mockAuth{signUpID: 42, genTokenToken: "tok-123"}
	s := &service.Service{Authorization: auth}
	r := newTestRouter(s, Options{Subscriptions: newMemSubscriptions()})

	// sign-up happy path
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/sign-up",
		bytes.NewBufferString(`{"username":"operator","password":"secret"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("sign-up status=%d, body=%s", w.Code, w.Body.String())
	}
	var signUpResp struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &signUpResp); err != nil {
		t.Fatalf("unmarshal sign-up response: %v", err)
	}
	if signUpResp.ID != 42 {
		t.Fatalf("expected id 42, got %d", signUpResp.ID)
	}
	if auth.lastSignUpUsername != "operator" || auth.lastSignUpPassword != "secret" {
		t.Fatalf("credentials not passed through: %q/%q",
			auth.lastSignUpUsername, auth.lastSignUpPassword)
	}

	// sign-up with missing fields → 400
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/auth/sign-up",
		bytes.NewBufferString(`{"username":"operator"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password, got %d", w.Code)
	}

	// sign-in happy path
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/auth/sign-in",
		bytes.NewBufferString(`{"username":"operator","password":"secret"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("sign-in status=%d, body=%s", w.Code, w.Body.String())
	}
	var signInResp struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &signInResp)
	if signInResp.Token != "tok-123" {
		t.Fatalf("expected token tok-123, got %q", signInResp.Token)
	}
}

func TestAuthHandlers_SignInRejectsBadCredentials(t *testing.T) {
	auth := &mockAuth{genTokenErr: errors.New("no such user")}
	s := &service.Service{Authorization: auth}
	r := newTestRouter(s, Options{Subscriptions: newMemSubscriptions()})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/sign-in",
		bytes.NewBufferString(`{"username":"ghost","password":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	// The response must not leak why authentication failed.
	if body := w.Body.String(); body != `{"error":"invalid credentials"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestAuthHandlers_SignUpServiceError(t *testing.T) {
	auth := &mockAuth{signUpErr: errors.New("username already taken")}
	s := &service.Service{Authorization: auth}
	r := newTestRouter(s, Options{Subscriptions: newMemSubscriptions()})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/sign-up",
		bytes.NewBufferString(`{"username":"operator","password":"secret"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
