package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	cd "controlling_door"
	"controlling_door/internal/service"
)

func newLogsRouter(el *mockEventLog) http.Handler {
	s := &service.Service{
		Authorization: &mockAuth{parseID: 7},
		EventLog:      el,
	}
	return newTestRouter(s, Options{Subscriptions: newMemSubscriptions()})
}

func TestLogsHandler_ParsesRangeAndType(t *testing.T) {
	el := &mockEventLog{resp: []cd.DoorEvent{
		{ID: "e1", Type: cd.EventState, State: "open", PositionMM: 1200},
		{ID: "e2", Type: cd.EventState, State: "closing"},
	}}
	r := newLogsRouter(el)

	w := doAuthed(r, http.MethodGet,
		"/api/v1/logs/?from=2026-03-01&to=2026-03-31&type=state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Count  int            `json:"count"`
		Events []cd.DoorEvent `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 2 || len(resp.Events) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// type is uppercased before reaching the service
	if el.lastType != cd.EventState {
		t.Fatalf("type=%q, want %q", el.lastType, cd.EventState)
	}
	wantFrom := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !el.lastFrom.Equal(wantFrom) {
		t.Fatalf("from=%v, want %v", el.lastFrom, wantFrom)
	}
	// date-only 'to' becomes end-of-day inclusive
	wantTo := time.Date(2026, 3, 31, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
	if !el.lastTo.Equal(wantTo) {
		t.Fatalf("to=%v, want %v", el.lastTo, wantTo)
	}
}

func TestLogsHandler_AcceptsRFC3339AndDateTime(t *testing.T) {
	el := &mockEventLog{}
	r := newLogsRouter(el)

	w := doAuthed(r, http.MethodGet,
		"/api/v1/logs/?from=2026-03-01T10%3A00%3A00Z&to=2026-03-01+12%3A30%3A00", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", w.Code, w.Body.String())
	}
	if el.lastFrom.Hour() != 10 || el.lastTo.Minute() != 30 {
		t.Fatalf("parsed times wrong: %v .. %v", el.lastFrom, el.lastTo)
	}
}

func TestLogsHandler_RejectsBadInput(t *testing.T) {
	cases := []struct {
		name  string
		query string
	}{
		{"bad_from", "?from=yesterday"},
		{"bad_to", "?to=31-03-2026"},
		{"inverted_range", "?from=2026-04-01&to=2026-03-01"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newLogsRouter(&mockEventLog{})
			w := doAuthed(r, http.MethodGet, "/api/v1/logs/"+tc.query, "")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d, want 400 (body=%s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestLogsHandler_NoFilters(t *testing.T) {
	el := &mockEventLog{}
	r := newLogsRouter(el)

	w := doAuthed(r, http.MethodGet, "/api/v1/logs/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !el.lastFrom.IsZero() || !el.lastTo.IsZero() || el.lastType != "" {
		t.Fatalf("expected zero filter, got %v %v %q", el.lastFrom, el.lastTo, el.lastType)
	}
	// an empty history still answers with count 0, not an error
	var resp struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Fatalf("count=%d", resp.Count)
	}
}
