package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"agentline/internal/app"
	"agentline/internal/domain"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	a, err := app.Open(context.Background(), workspace)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: AuthConfig{AllowAnonymous: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"agent":      "worker",
		"prompt":     "build the thing",
		"session_id": "s1",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != domain.TaskPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/heartbeat", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/complete", map[string]any{
		"result": "all good",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var done domain.Task
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Status != domain.TaskCompleted || done.Result != "all good" {
		t.Fatalf("unexpected completed task: %+v", done)
	}

	// the lifecycle is mirrored into the ledger
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("expected mirrored lifecycle events, got %d", len(events))
	}
}

func TestInvalidTransitionConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"agent":  "worker",
		"prompt": "x",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, string(data))
	}
	var created domain.Task
	_ = json.Unmarshal(data, &created)

	// completing a pending task is a conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/complete", map[string]any{"result": "x"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAppendEventAndRejectUnknownType(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"type":    "epic.created",
		"payload": map[string]any{"epic_id": "e1", "epic_title": "Ship it"},
	}, map[string]string{"X-Agent": "planner"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("append status %d: %s", res.StatusCode, string(data))
	}
	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Actor != "planner" {
		t.Fatalf("actor should come from the principal, got %q", ev.Actor)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"type": "epic.exploded",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d: %s", res.StatusCode, string(data))
	}
}

func TestWaitEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// timeout path
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/wait", map[string]any{
		"task_id":    "never",
		"timeout_ms": 50,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("wait status %d: %s", res.StatusCode, string(data))
	}
	var wr WaitResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		t.Fatal(err)
	}
	if !wr.TimedOut || wr.Event != nil {
		t.Fatalf("expected timed-out wait, got %+v", wr)
	}

	// resolved path: event already recorded
	if _, err := srv.App.Ledger.Append(context.Background(), "task.completed", "worker", domain.EventPayload{TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/wait", map[string]any{
		"task_id":    "t1",
		"timeout_ms": 5000,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("wait status %d: %s", res.StatusCode, string(data))
	}
	wr = WaitResponse{}
	if err := json.Unmarshal(data, &wr); err != nil {
		t.Fatal(err)
	}
	if wr.TimedOut || wr.Event == nil || wr.Event.Payload.TaskID != "t1" {
		t.Fatalf("expected resolved wait, got %+v", wr)
	}
}

func TestDialogueFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/dialogues", map[string]any{
		"agent":             "planner",
		"command":           "plan",
		"session_id":        "s1",
		"pending_questions": []string{"which db?"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("set status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dialogues/continue", map[string]any{
		"agent":      "planner",
		"command":    "plan",
		"session_id": "s1",
		"reply":      `{"decisions":["sqlite"]}`,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("continue status %d: %s", res.StatusCode, string(data))
	}
	var cont struct {
		Fresh    bool            `json:"fresh"`
		Dialogue domain.Dialogue `json:"dialogue"`
	}
	if err := json.Unmarshal(data, &cont); err != nil {
		t.Fatal(err)
	}
	if cont.Fresh || cont.Dialogue.Turn != 2 {
		t.Fatalf("unexpected continuation: %+v", cont)
	}

	// a reply with no open dialogue is fresh, not an error
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dialogues/continue", map[string]any{
		"agent":      "planner",
		"command":    "other",
		"session_id": "s1",
		"reply":      "hello",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fresh continue status %d: %s", res.StatusCode, string(data))
	}
	cont.Fresh = false
	if err := json.Unmarshal(data, &cont); err != nil {
		t.Fatal(err)
	}
	if !cont.Fresh {
		t.Fatalf("routing miss should be fresh: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/dialogues?agent=planner&command=plan&session_id=s1", nil, nil)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		t.Fatalf("clear status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/dialogues?agent=planner&command=plan&session_id=s1", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on double clear, got %d: %s", res.StatusCode, string(data))
	}
}

func TestStatusAndSnapshot(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	if _, err := srv.App.Ledger.Append(context.Background(), "epic.created", "planner", domain.EventPayload{EpicID: "e1", EpicTitle: "Ship it"}); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var st StatusResponse
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	if st.ActiveEpic == nil || st.ActiveEpic.ID != "e1" {
		t.Fatalf("unexpected status: %+v", st)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/snapshot", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("snapshot %d: %s", res.StatusCode, string(data))
	}
	var snap SnapshotResponse
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Markdown == "" {
		t.Fatalf("expected rendered snapshot")
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	workspace := t.TempDir()
	a, err := app.Open(context.Background(), workspace)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	defer a.Close()
	handler, err := New(Config{App: a, BasePath: "/v0", Auth: AuthConfig{JWTSecret: "secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ln.Close()
	}()
	url := "http://" + ln.Addr().String()

	res, _ := doJSON(t, &http.Client{}, http.MethodGet, url+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should skip auth, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, &http.Client{}, http.MethodGet, url+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request should be rejected, got %d", res.StatusCode)
	}
}
