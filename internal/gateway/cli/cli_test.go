package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/stepguard/internal/approval"
	"github.com/jkaninda/stepguard/internal/security"
)

// syncBuffer is a bytes.Buffer safe for the prompt goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func request(id string) approval.Request {
	return approval.Request{
		InvocationID: id,
		WorkflowID:   "wf-1",
		StepIndex:    2,
		ToolName:     "file_delete",
		Parameters:   map[string]any{"path": "/srv/old", "missing_ok": true},
		Risk: security.RiskAssessment{
			Score:                0.85,
			Level:                security.RiskHigh,
			RequiresConfirmation: true,
			Reasons:              []string{"destructive operation"},
		},
	}
}

func ask(t *testing.T, input string, req approval.Request) (approval.Verdict, string, error) {
	t.Helper()
	gate := approval.NewGate(2*time.Second, testLogger())
	out := &syncBuffer{}
	gate.AddNotifier(NewPrompter(gate, strings.NewReader(input), out, "tester", testLogger()))
	v, err := gate.Request(context.Background(), req, 2*time.Second)
	return v, out.String(), err
}

func TestPrompter_Approve(t *testing.T) {
	v, out, err := ask(t, "y\n", request("inv-1"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if v.Status != approval.StatusApproved || v.By != "tester" {
		t.Errorf("verdict = %+v", v)
	}
	for _, want := range []string{"file_delete", "risk: high", "path = /srv/old", "destructive operation", "Approve? [y/N]"} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q:\n%s", want, out)
		}
	}
}

func TestPrompter_DeclineByDefault(t *testing.T) {
	for _, input := range []string{"n\n", "\n", "maybe\n"} {
		v, _, err := ask(t, input, request("inv-2"))
		if !errors.Is(err, approval.ErrConfirmationDenied) {
			t.Errorf("%q: expected ErrConfirmationDenied, got %v", input, err)
		}
		if v.Reason != "declined at terminal" {
			t.Errorf("%q: reason = %q", input, v.Reason)
		}
	}
}

func TestPrompter_EOFDenies(t *testing.T) {
	v, _, err := ask(t, "", request("inv-3"))
	if !errors.Is(err, approval.ErrConfirmationDenied) || v.Reason != "no input" {
		t.Errorf("verdict = %+v, err = %v", v, err)
	}
}

func TestPrompter_Compensation(t *testing.T) {
	req := request("inv-4")
	req.Compensation = true
	_, out, _ := ask(t, "yes\n", req)
	if !strings.Contains(out, "Compensation confirmation required") {
		t.Errorf("prompt = %s", out)
	}
}

func TestAnswer(t *testing.T) {
	for _, approve := range []bool{true, false} {
		gate := approval.NewGate(2*time.Second, testLogger())
		gate.AddNotifier(Answer(gate, approve, "flag"))
		v, err := gate.Request(context.Background(), request("inv-5"), 2*time.Second)
		if approve && (err != nil || v.Status != approval.StatusApproved) {
			t.Errorf("approve: %+v, %v", v, err)
		}
		if !approve && !errors.Is(err, approval.ErrConfirmationDenied) {
			t.Errorf("deny: %+v, %v", v, err)
		}
		if v.By != "flag" {
			t.Errorf("by = %q", v.By)
		}
	}
}
