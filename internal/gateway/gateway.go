// Package gateway is the client transport: a WebSocket endpoint that
// accepts mutation, subscription, and query frames, answers verdicts
// synchronously, and streams commit notifications over the same socket.
package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gatehousedb/gatehouse/internal/broker"
	"github.com/gatehousedb/gatehouse/internal/contract"
	"github.com/gatehousedb/gatehouse/internal/pipeline"
	gherrors "github.com/gatehousedb/gatehouse/internal/platform/errors"
	"github.com/gatehousedb/gatehouse/internal/storage"
)

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 1 << 20
)

// Gateway serves the WebSocket endpoint.
type Gateway struct {
	pipeline *pipeline.Pipeline
	broker   *broker.Broker
	store    storage.EntityStore
	auth     *Authenticator
	upgrader websocket.Upgrader
}

// New builds a gateway over the given pipeline, broker, and entity
// store. A nil or disabled authenticator admits anonymous connections.
func New(p *pipeline.Pipeline, b *broker.Broker, store storage.EntityStore, auth *Authenticator) *Gateway {
	return &Gateway{
		pipeline: p,
		broker:   b,
		store:    store,
		auth:     auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// frame is one client request. Type selects the operation; the other
// fields are read as that type requires.
type frame struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Table        string          `json:"table,omitempty"`
	Key          string          `json:"key,omitempty"`
	Op           string          `json:"op,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Pattern      string          `json:"pattern,omitempty"`
	Projection   []string        `json:"projection,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
	Module       string          `json:"module,omitempty"`
	EntryPoint   string          `json:"entry_point,omitempty"`
}

type verdictFrame struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Accepted bool            `json:"accepted"`
	State    json.RawMessage `json:"state,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
}

type subscribedFrame struct {
	Type         string `json:"type"`
	ID           string `json:"id,omitempty"`
	Subscription string `json:"subscription"`
}

type unsubscribedFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type stateFrame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Table string          `json:"table"`
	Key   string          `json:"key"`
	Seq   uint64          `json:"seq"`
	State json.RawMessage `json:"state"`
}

type resultFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Output json.RawMessage `json:"output"`
}

type errorFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

type notificationFrame struct {
	Type string `json:"type"`
	broker.Notification
}

// conn is one client socket. Writes serialize on the mutex because the
// read loop answers frames while the broker's writer goroutine streams
// notifications through Send.
type conn struct {
	id    string
	actor string
	ws    *websocket.Conn
	mu    sync.Mutex
}

func (c *conn) write(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// Send implements broker.Sink.
func (c *conn) Send(n broker.Notification) error {
	return c.write(notificationFrame{Type: "notification", Notification: n})
}

// ServeHTTP authenticates, upgrades, and runs the connection's read
// loop until the peer disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade: %v", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	c := &conn{id: uuid.NewString(), actor: actor, ws: ws}
	defer func() {
		g.broker.DropConnection(c.id)
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("gateway: read %s: %v", c.id, err)
			}
			return
		}
		var req frame
		if err := json.Unmarshal(raw, &req); err != nil {
			if err := c.write(errorFrame{Type: "error", Reason: "malformed frame"}); err != nil {
				return
			}
			continue
		}
		if err := g.dispatch(r, c, req); err != nil {
			return
		}
	}
}

// dispatch handles one frame. A returned error means the socket write
// failed and the connection is done.
func (g *Gateway) dispatch(r *http.Request, c *conn, req frame) error {
	switch req.Type {
	case "mutate":
		return g.handleMutate(r, c, req)
	case "subscribe":
		return g.handleSubscribe(c, req)
	case "unsubscribe":
		return g.handleUnsubscribe(c, req)
	case "read":
		return g.handleRead(r, c, req)
	case "query":
		return g.handleQuery(r, c, req)
	default:
		return c.write(errorFrame{Type: "error", ID: req.ID, Reason: "unknown frame type"})
	}
}

func (g *Gateway) handleMutate(r *http.Request, c *conn, req frame) error {
	intent := contract.MutationIntent{
		Table:   req.Table,
		Key:     req.Key,
		Op:      contract.OperationKind(req.Op),
		Payload: req.Payload,
		Actor:   c.actor,
	}
	result, err := g.pipeline.Process(r.Context(), intent)
	if err != nil {
		return c.write(errorFrame{Type: "error", ID: req.ID, Reason: clientReason(err)})
	}
	return c.write(verdictFrame{
		Type:     "verdict",
		ID:       req.ID,
		Accepted: result.Accepted,
		State:    result.State,
		Reason:   result.Reason,
		Seq:      result.Seq,
	})
}

func (g *Gateway) handleSubscribe(c *conn, req frame) error {
	id, err := g.broker.Subscribe(c.id, c, req.Table, req.Pattern, req.Projection)
	if err != nil {
		return c.write(errorFrame{Type: "error", ID: req.ID, Reason: clientReason(err)})
	}
	return c.write(subscribedFrame{Type: "subscribed", ID: req.ID, Subscription: id})
}

func (g *Gateway) handleUnsubscribe(c *conn, req frame) error {
	if err := g.broker.Unsubscribe(req.Subscription); err != nil {
		return c.write(errorFrame{Type: "error", ID: req.ID, Reason: clientReason(err)})
	}
	return c.write(unsubscribedFrame{Type: "unsubscribed", ID: req.ID})
}

// handleRead returns the committed state of one key along with its
// current sequence. Gapped subscribers use it to resync.
func (g *Gateway) handleRead(r *http.Request, c *conn, req frame) error {
	if strings.TrimSpace(req.Table) == "" || strings.TrimSpace(req.Key) == "" {
		return c.write(errorFrame{Type: "error", ID: req.ID, Reason: "table and key are required"})
	}
	state, err := g.store.Read(r.Context(), req.Table, req.Key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return c.write(errorFrame{Type: "error", ID: req.ID, Reason: clientReason(err)})
	}
	if state == nil {
		state = json.RawMessage("null")
	}
	return c.write(stateFrame{
		Type:  "state",
		ID:    req.ID,
		Table: req.Table,
		Key:   req.Key,
		Seq:   g.broker.Seq(req.Table, req.Key),
		State: state,
	})
}

func (g *Gateway) handleQuery(r *http.Request, c *conn, req frame) error {
	out, err := g.pipeline.Query(r.Context(), req.Module, req.EntryPoint, req.Table, req.Key, req.Payload)
	if err != nil {
		return c.write(errorFrame{Type: "error", ID: req.ID, Reason: clientReason(err)})
	}
	return c.write(resultFrame{Type: "result", ID: req.ID, Output: out})
}

// clientReason collapses an error to the reason a client may see.
// Intent validation messages name only the client's own mistake and
// pass through; every other error maps to its coarse domain reason so
// no internal detail crosses the socket.
func clientReason(err error) string {
	code := gherrors.CodeOf(err)
	if code == gherrors.CodeInvalidIntent {
		return err.Error()
	}
	return code.ClientReason()
}
