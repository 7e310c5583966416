package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairroom/host/internal/auth"
	"github.com/pairroom/host/internal/filetree"
	"github.com/pairroom/host/internal/llm"
	"github.com/pairroom/host/internal/mediator"
	"github.com/pairroom/host/internal/protocol"
	"github.com/pairroom/host/internal/sandbox"
	"github.com/pairroom/host/internal/storage"
)

// readyProvisioner hands out environments whose apps are ready at once.
// It remembers every process it spawns.
type readyProvisioner struct {
	mu        sync.Mutex
	procs     []*stubProcess
	exitDelay time.Duration
}

func (p *readyProvisioner) Provision(ctx context.Context, roomID string) (sandbox.Environment, error) {
	return &readyEnv{prov: p}, nil
}

// setExitDelay makes terminated processes linger before exiting.
func (p *readyProvisioner) setExitDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitDelay = d
}

func (p *readyProvisioner) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, proc := range p.procs {
		select {
		case <-proc.done:
		default:
			n++
		}
	}
	return n
}

func (p *readyProvisioner) anyTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proc := range p.procs {
		if proc.terminated.Load() {
			return true
		}
	}
	return false
}

type readyEnv struct {
	prov *readyProvisioner
}

func (*readyEnv) Mount(ctx context.Context, tree filetree.Tree) error { return nil }

func (e *readyEnv) Spawn(ctx context.Context, name string, argv []string, env map[string]string) (sandbox.Process, error) {
	p := &stubProcess{name: name, out: sandbox.NewOutputStream(0), done: make(chan struct{})}
	e.prov.mu.Lock()
	p.exitDelay = e.prov.exitDelay
	e.prov.procs = append(e.prov.procs, p)
	e.prov.mu.Unlock()

	p.out.Write([]byte(name + " ok\n"))
	if name == "install" {
		p.finish()
	}
	go func() {
		select {
		case <-ctx.Done():
			p.Terminate()
		case <-p.done:
		}
	}()
	return p, nil
}

func (*readyEnv) AwaitReady(ctx context.Context) (sandbox.ReadyEvent, error) {
	return sandbox.ReadyEvent{Port: 3000, URL: "http://sandbox.local:3000"}, nil
}

func (*readyEnv) Destroy() error { return nil }

type stubProcess struct {
	name       string
	out        *sandbox.OutputStream
	done       chan struct{}
	once       sync.Once
	exitDelay  time.Duration
	terminated atomic.Bool
}

func (p *stubProcess) finish() {
	p.once.Do(func() {
		p.out.Close()
		close(p.done)
	})
}

func (p *stubProcess) Name() string                  { return p.name }
func (p *stubProcess) Output() *sandbox.OutputStream { return p.out }
func (p *stubProcess) Done() <-chan struct{}         { return p.done }

func (p *stubProcess) Terminate() error {
	p.terminated.Store(true)
	if p.exitDelay > 0 {
		time.AfterFunc(p.exitDelay, p.finish)
		return nil
	}
	p.finish()
	return nil
}

func (p *stubProcess) Wait() (int, error) {
	<-p.done
	return 0, nil
}

type testEnv struct {
	t      *testing.T
	prov   *readyProvisioner
	srv    *Server
	ts     *httptest.Server
	store  *storage.SQLiteStore
	tokens *auth.Tokens
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	tokens, err := auth.NewTokens([]byte("test-secret"), time.Hour, store)
	if err != nil {
		t.Fatal(err)
	}

	backend := llm.Func(func(ctx context.Context, prompt string) (string, error) {
		return "you asked: " + prompt, nil
	})
	prov := &readyProvisioner{}
	srv := New("127.0.0.1:0", Deps{
		Store:     store,
		Tokens:    tokens,
		Sandbox:   sandbox.NewOrchestrator(prov, sandbox.Options{ReadyTimeout: 2 * time.Second}),
		Backend:   backend,
		Assistant: mediator.Options{Marker: "@ai", Timeout: 2 * time.Second},
	})
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
		ts.Close()
		store.Close()
	})
	return &testEnv{t: t, prov: prov, srv: srv, ts: ts, store: store, tokens: tokens}
}

// user creates an account and returns its id and a token.
func (e *testEnv) user(email string) (string, string) {
	e.t.Helper()
	hash, err := auth.HashPassword("secret")
	if err != nil {
		e.t.Fatal(err)
	}
	u, err := e.store.CreateUser(email, hash)
	if err != nil {
		e.t.Fatalf("create user: %v", err)
	}
	token, _, err := e.tokens.Issue(u.ID, u.Email)
	if err != nil {
		e.t.Fatal(err)
	}
	return u.ID, token
}

func (e *testEnv) project(name, owner string, members ...string) string {
	e.t.Helper()
	p, err := e.store.CreateProject(name, owner)
	if err != nil {
		e.t.Fatalf("create project: %v", err)
	}
	if len(members) > 0 {
		if _, err := e.store.AddMembers(p.ID, owner, members); err != nil {
			e.t.Fatalf("add members: %v", err)
		}
	}
	return p.ID
}

func (e *testEnv) wsURL(projectID, token string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?projectId=" + projectID + "&token=" + token
}

func (e *testEnv) dial(projectID, token string) *websocket.Conn {
	e.t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(projectID, token), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		e.t.Fatalf("dial failed (status %d): %v", status, err)
	}
	e.t.Cleanup(func() { conn.Close() })
	return conn
}

// dialStatus attempts a connection that is expected to be refused and
// returns the HTTP status and decoded error body.
func (e *testEnv) dialStatus(projectID, token string) (int, ErrorResponse) {
	e.t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(projectID, token), nil)
	if err == nil {
		conn.Close()
		e.t.Fatal("expected the connection to be refused")
	}
	if resp == nil {
		e.t.Fatalf("no HTTP response: %v", err)
	}
	defer resp.Body.Close()
	var body ErrorResponse
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

type wireEvent struct {
	Type    protocol.EventType `json:"type"`
	ID      string             `json:"id"`
	Payload json.RawMessage    `json:"payload"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev wireEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// readUntil skips events until one of type typ satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.EventType, match func(wireEvent) bool) wireEvent {
	t.Helper()
	for i := 0; i < 50; i++ {
		ev := readEvent(t, conn)
		if ev.Type == typ && (match == nil || match(ev)) {
			return ev
		}
	}
	t.Fatalf("no %s event within 50 events", typ)
	return wireEvent{}
}

func send(t *testing.T, conn *websocket.Conn, typ protocol.EventType, id string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := conn.WriteJSON(protocol.Inbound{Type: typ, ID: id, Payload: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

// api performs an HTTP request against the test server.
func (e *testEnv) api(method, path, token string, body any) (*http.Response, map[string]json.RawMessage) {
	e.t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		e.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]json.RawMessage{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}
