package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/stepguard/internal/approval"
	"github.com/jkaninda/stepguard/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	gate *approval.Gate
	hub  *Hub
	srv  *httptest.Server
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	gate := approval.NewGate(2*time.Second, testLogger())
	hub := NewHub(gate, token, testLogger()).WithPending(gate.Pending)
	gate.AddNotifier(hub)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return &fixture{gate: gate, hub: hub, srv: srv}
}

func (f *fixture) dial(t *testing.T, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/?" + query
	return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header, Subprotocols: []string{Subprotocol}})
}

func read(t *testing.T, conn *websocket.Conn, wantType string, into any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read %s: %v", wantType, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != wantType {
		t.Fatalf("got %s, want %s", env.Type, wantType)
	}
	if into != nil {
		if err := json.Unmarshal(env.Payload, into); err != nil {
			t.Fatal(err)
		}
	}
}

func write(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatal(err)
	}
}

func waitConnected(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Connected() != n {
		if time.Now().After(deadline) {
			t.Fatalf("connected = %d, want %d", h.Connected(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func request(id string) approval.Request {
	return approval.Request{
		InvocationID: id,
		WorkflowID:   "wf-1",
		ToolName:     "file_delete",
		Risk:         security.RiskAssessment{Score: 0.9, RequiresConfirmation: true},
	}
}

type outcome struct {
	verdict approval.Verdict
	err     error
}

func (f *fixture) requestAsync(id string) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		v, err := f.gate.Request(context.Background(), request(id), 2*time.Second)
		ch <- outcome{v, err}
	}()
	return ch
}

// --- Hub ---

func TestHub_ApproveOverWebSocket(t *testing.T) {
	f := newFixture(t, "")
	conn, _, err := f.dial(t, "operator=bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello HelloPayload
	read(t, conn, MsgHello, &hello)
	if hello.Operator != "bob" || len(hello.Pending) != 0 {
		t.Errorf("hello = %+v", hello)
	}

	done := f.requestAsync("inv-1")

	var req approval.Request
	read(t, conn, MsgRequest, &req)
	if req.InvocationID != "inv-1" || req.ToolName != "file_delete" {
		t.Errorf("request = %+v", req)
	}

	write(t, conn, MsgDecision, DecisionPayload{InvocationID: "inv-1", Approve: true, Reason: "planned"})

	var res ResultPayload
	read(t, conn, MsgResult, &res)
	if !res.Accepted {
		t.Errorf("result = %+v", res)
	}

	got := <-done
	if got.err != nil || got.verdict.Status != approval.StatusApproved || got.verdict.By != "bob" {
		t.Errorf("verdict = %+v, %v", got.verdict, got.err)
	}
}

func TestHub_DenyAndDoubleResolve(t *testing.T) {
	f := newFixture(t, "")
	conn, _, err := f.dial(t, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	read(t, conn, MsgHello, nil)

	done := f.requestAsync("inv-2")
	read(t, conn, MsgRequest, nil)

	write(t, conn, MsgDecision, DecisionPayload{InvocationID: "inv-2", Approve: false, Reason: "not today"})
	read(t, conn, MsgResult, nil)

	got := <-done
	if !errors.Is(got.err, approval.ErrConfirmationDenied) || got.verdict.By != "operator" {
		t.Errorf("verdict = %+v, %v", got.verdict, got.err)
	}

	write(t, conn, MsgDecision, DecisionPayload{InvocationID: "inv-2", Approve: true})
	var res ResultPayload
	read(t, conn, MsgResult, &res)
	if res.Accepted || !strings.Contains(res.Error, "already resolved") {
		t.Errorf("second decision = %+v", res)
	}
}

func TestHub_ReplaysPendingOnConnect(t *testing.T) {
	f := newFixture(t, "")
	done := f.requestAsync("inv-3")

	deadline := time.Now().Add(2 * time.Second)
	for len(f.gate.Pending()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn, _, err := f.dial(t, "operator=carol", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello HelloPayload
	read(t, conn, MsgHello, &hello)
	if len(hello.Pending) != 1 || hello.Pending[0].InvocationID != "inv-3" {
		t.Fatalf("hello = %+v", hello)
	}
	write(t, conn, MsgDecision, DecisionPayload{InvocationID: "inv-3", Approve: true})
	if got := <-done; got.err != nil || got.verdict.By != "carol" {
		t.Errorf("verdict = %+v, %v", got.verdict, got.err)
	}
}

func TestHub_RequiresToken(t *testing.T) {
	f := newFixture(t, "s3cret")

	_, resp, err := f.dial(t, "", nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v", resp)
	}

	conn, _, err := f.dial(t, "", http.Header{"Authorization": []string{"Bearer s3cret"}})
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	read(t, conn, MsgHello, nil)
}

func TestHub_NotifyWithoutOperators(t *testing.T) {
	h := NewHub(approval.NewGate(time.Second, testLogger()), "", testLogger())
	if err := h.Notify(context.Background(), request("inv-4")); !errors.Is(err, ErrNoOperators) {
		t.Errorf("expected ErrNoOperators, got %v", err)
	}
}

func TestHub_DisconnectRemovesOperator(t *testing.T) {
	f := newFixture(t, "")
	conn, _, err := f.dial(t, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	read(t, conn, MsgHello, nil)
	waitConnected(t, f.hub, 1)

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitConnected(t, f.hub, 0)
}
