// Package ws implements the operator console channel for confirmations.
// Operators connect over WebSocket, receive pending and new confirmation
// requests in real time and answer them on the same connection.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/stepguard/internal/approval"
)

// Subprotocol is negotiated on upgrade.
const Subprotocol = "stepguard-confirm-v1"

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Message types.
const (
	MsgHello    = "hello"                 // server → operator, pending requests on connect
	MsgRequest  = "confirmation.request"  // server → operator
	MsgDecision = "confirmation.decision" // operator → server
	MsgResult   = "confirmation.result"   // server → operator, outcome of a decision
)

// ErrNoOperators is returned by Notify when nobody is connected.
var ErrNoOperators = errors.New("no operators connected")

// Envelope frames every message on the connection.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload lists the requests still waiting when an operator connects.
type HelloPayload struct {
	Operator string             `json:"operator"`
	Pending  []approval.Request `json:"pending"`
}

// DecisionPayload is an operator's answer to a request.
type DecisionPayload struct {
	InvocationID string `json:"invocation_id"`
	Approve      bool   `json:"approve"`
	Reason       string `json:"reason,omitempty"`
}

// ResultPayload acknowledges a decision.
type ResultPayload struct {
	InvocationID string `json:"invocation_id"`
	Accepted     bool   `json:"accepted"`
	Error        string `json:"error,omitempty"`
}

type operator struct {
	name string
	conn *websocket.Conn
}

// Hub fans confirmation requests out to every connected operator and
// forwards their decisions to the resolver.
type Hub struct {
	resolver approval.Resolver
	pending  func() []approval.Request
	token    string
	logger   *slog.Logger

	mu        sync.Mutex
	operators map[*operator]struct{}
}

var _ approval.Notifier = (*Hub)(nil)

// NewHub creates a hub. An empty token disables authentication.
func NewHub(resolver approval.Resolver, token string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		resolver:  resolver,
		token:     token,
		logger:    logger,
		operators: make(map[*operator]struct{}),
	}
}

// WithPending sets the source replayed to operators when they connect.
func (h *Hub) WithPending(f func() []approval.Request) *Hub {
	h.pending = f
	return h
}

// Connected returns the number of connected operators.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.operators)
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	name := r.URL.Query().Get("operator")
	if name == "" {
		name = "operator"
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	h.serve(r.Context(), &operator{name: name, conn: conn})
}

func (h *Hub) serve(ctx context.Context, op *operator) {
	h.mu.Lock()
	h.operators[op] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.operators, op)
		h.mu.Unlock()
		op.conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	h.logger.Info("operator connected", slog.String("operator", op.name))

	var pending []approval.Request
	if h.pending != nil {
		pending = h.pending()
	}
	if pending == nil {
		pending = []approval.Request{}
	}
	if err := h.send(ctx, op, MsgHello, HelloPayload{Operator: op.name, Pending: pending}); err != nil {
		h.logger.Warn("operator greeting failed", slog.String("operator", op.name), slog.String("error", err.Error()))
		return
	}

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.pingLoop(pingCtx, op)

	for {
		_, data, err := op.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				h.logger.Info("operator disconnected", slog.String("operator", op.name))
			} else {
				h.logger.Warn("operator connection error",
					slog.String("operator", op.name),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("invalid message from operator",
				slog.String("operator", op.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		h.handleMessage(ctx, op, env)
	}
}

func (h *Hub) handleMessage(ctx context.Context, op *operator, env Envelope) {
	switch env.Type {
	case MsgDecision:
		var d DecisionPayload
		if err := json.Unmarshal(env.Payload, &d); err != nil || d.InvocationID == "" {
			_ = h.send(ctx, op, MsgResult, ResultPayload{Error: "invalid decision payload"})
			return
		}
		res := ResultPayload{InvocationID: d.InvocationID, Accepted: true}
		err := h.resolver.Resolve(d.InvocationID, approval.Decision{Approve: d.Approve, By: op.name, Reason: d.Reason})
		if err != nil {
			res.Accepted = false
			res.Error = err.Error()
		}
		if err := h.send(ctx, op, MsgResult, res); err != nil {
			h.logger.Debug("decision ack failed", slog.String("operator", op.name), slog.String("error", err.Error()))
		}

	default:
		h.logger.Warn("unknown message type from operator",
			slog.String("operator", op.name),
			slog.String("type", env.Type),
		)
	}
}

// Notify broadcasts req to every connected operator. It succeeds when at
// least one operator received it.
func (h *Hub) Notify(ctx context.Context, req approval.Request) error {
	h.mu.Lock()
	ops := make([]*operator, 0, len(h.operators))
	for op := range h.operators {
		ops = append(ops, op)
	}
	h.mu.Unlock()

	if len(ops) == 0 {
		return ErrNoOperators
	}

	var errs []error
	for _, op := range ops {
		if err := h.send(ctx, op, MsgRequest, req); err != nil {
			errs = append(errs, fmt.Errorf("operator %s: %w", op.name, err))
		}
	}
	if len(errs) == len(ops) {
		return errors.Join(errs...)
	}
	return nil
}

func (h *Hub) pingLoop(ctx context.Context, op *operator) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := op.conn.Ping(pctx)
			cancel()
			if err != nil {
				h.logger.Debug("operator ping failed",
					slog.String("operator", op.name),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (h *Hub) send(ctx context.Context, op *operator, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return op.conn.Write(ctx, websocket.MessageText, data)
}
