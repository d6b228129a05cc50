package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"gjteam-bot/internal/gateway"
	"gjteam-bot/internal/repo"
	"gjteam-bot/internal/ticket"
	"gjteam-bot/migrations"
)

func TestNormaliseBasePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"bot", "/bot"},
		{"/bot", "/bot"},
		{"/bot/", "/bot"},
		{"  /bot ", "/bot"},
	}
	for _, tc := range cases {
		if got := normaliseBasePath(tc.in); got != tc.want {
			t.Errorf("normaliseBasePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMountWithBasePath(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	})
	h := mountWithBasePath("/bot", inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bot/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "/healthz" {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other/healthz", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("outside base path served: %d", rec.Code)
	}

	// "/botx" must not match "/bot".
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/botx", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("prefix collision served: %d", rec.Code)
	}
}

func newTestServer(t *testing.T) (*Server, *ticket.Manager, repo.Repository) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := repo.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), migrations.Files, logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	manager := ticket.New(store, gateway.NewLogChannelManager(logger), gateway.NewLogNotifier(logger), ticket.Config{}, logger, nil)
	s := New("127.0.0.1:0", logger, nil, Handlers{}, "")
	s.SetDependencies(Dependencies{Repository: store, Tickets: manager})
	return s, manager, store
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/admin/x", bytes.NewReader(raw)))
	return rec
}

func TestTicketAIToggleRoute(t *testing.T) {
	s, manager, store := newTestServer(t)
	ctx := context.Background()
	if _, err := store.UpsertDepartment(ctx, repo.TicketDepartment{GuildID: 1, Name: "support"}); err != nil {
		t.Fatalf("seed department: %v", err)
	}
	depts, err := store.ListDepartments(ctx, 1)
	if err != nil || len(depts) != 1 {
		t.Fatalf("list departments: %v (%d)", err, len(depts))
	}
	created, err := manager.Create(ctx, 1, 100, depts[0].DepartmentID)
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	rec := postJSON(t, s.handleTicketAIToggle, map[string]any{"ticket_id": created.TicketID})
	if rec.Code != http.StatusOK {
		t.Fatalf("ai-toggle status = %d body=%q", rec.Code, rec.Body.String())
	}
	var resp struct {
		AIManaged bool `json:"ai_managed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.AIManaged {
		t.Fatal("toggle should have enabled ai management")
	}

	// A staff message relayed through the message route hands the ticket back.
	rec = postJSON(t, s.handleTicketMessage, map[string]any{
		"channel_id": created.ChannelID,
		"author_id":  7,
		"from_staff": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("message status = %d body=%q", rec.Code, rec.Body.String())
	}
	stored, err := store.GetTicketByID(ctx, created.TicketID)
	if err != nil {
		t.Fatalf("reload ticket: %v", err)
	}
	if stored.AIManaged {
		t.Fatal("staff reply should disable ai management")
	}

	rec = postJSON(t, s.handleTicketAIToggle, map[string]any{"ticket_id": int64(999999)})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown ticket status = %d, want 404", rec.Code)
	}
}

func TestAdminMethodChecks(t *testing.T) {
	s := &Server{}
	cases := []struct {
		handler http.HandlerFunc
		method  string
	}{
		{s.handleChatEarn, http.MethodGet},
		{s.handleTicketAIToggle, http.MethodGet},
		{s.handleTicketMessage, http.MethodGet},
		{s.handleModerationDeactivate, http.MethodGet},
		{s.handleEconomy, http.MethodDelete},
		{s.handleModeration, http.MethodDelete},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		tc.handler(rec, httptest.NewRequest(tc.method, "/admin/x", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want 405", tc.method, rec.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST healthz status = %d", rec.Code)
	}
}
