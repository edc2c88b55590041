// Package broker fans committed mutations out to subscribers. Matching
// and enqueueing happen on the committing worker's per-key critical
// section so sequence numbers follow commit order; delivery itself runs
// on per-connection writer goroutines and never blocks a commit.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	gherrors "github.com/gatehousedb/gatehouse/internal/platform/errors"
	"github.com/gatehousedb/gatehouse/internal/telemetry"
)

// Notification kinds beyond the mutation kinds themselves.
const KindGap = "gap"

// Notification is one delivery to one subscriber.
type Notification struct {
	Table   string          `json:"table"`
	Key     string          `json:"key"`
	Seq     uint64          `json:"seq"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Gap     bool            `json:"gap,omitempty"`
}

// Sink receives notifications for one connection. Send is called from a
// single writer goroutine; a Send error drops the connection's
// subscriptions.
type Sink interface {
	Send(n Notification) error
}

type subscription struct {
	id         string
	connID     string
	table      string
	pattern    string
	projection []string
}

type connState struct {
	queue *queue
	subs  map[string]*subscription
}

type seqKey struct {
	table string
	key   string
}

// Broker routes committed mutations to live subscriptions.
type Broker struct {
	queueSize int
	emitter   telemetry.Emitter

	mu      sync.Mutex
	conns   map[string]*connState
	subs    map[string]*subscription
	byTable map[string]map[string]*subscription
	seqs    map[seqKey]uint64
	closed  bool
	writers sync.WaitGroup
}

// DefaultQueueSize bounds each subscriber's delivery buffer.
const DefaultQueueSize = 64

// New builds a broker. A zero queueSize uses DefaultQueueSize.
func New(queueSize int, emitter telemetry.Emitter) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if emitter == nil {
		emitter = telemetry.LogEmitter{}
	}
	return &Broker{
		queueSize: queueSize,
		emitter:   emitter,
		conns:     map[string]*connState{},
		subs:      map[string]*subscription{},
		byTable:   map[string]map[string]*subscription{},
		seqs:      map[seqKey]uint64{},
	}
}

// Subscribe registers a subscription for connID delivering through sink.
// The first subscription for a connection starts its writer goroutine.
func (b *Broker) Subscribe(connID string, sink Sink, table, pattern string, projection []string) (string, error) {
	connID = strings.TrimSpace(connID)
	table = strings.TrimSpace(table)
	if connID == "" {
		return "", fmt.Errorf("connection id is required")
	}
	if table == "" {
		return "", fmt.Errorf("table is required")
	}
	if sink == nil {
		return "", fmt.Errorf("sink is required")
	}

	sub := &subscription{
		id:         uuid.NewString(),
		connID:     connID,
		table:      table,
		pattern:    strings.TrimSpace(pattern),
		projection: append([]string(nil), projection...),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", fmt.Errorf("broker is closed")
	}
	conn, ok := b.conns[connID]
	if !ok {
		conn = &connState{
			queue: newQueue(b.queueSize),
			subs:  map[string]*subscription{},
		}
		b.conns[connID] = conn
		b.writers.Add(1)
		go b.deliver(connID, conn.queue, sink)
	}
	conn.subs[sub.id] = sub
	b.subs[sub.id] = sub
	tableSubs, ok := b.byTable[table]
	if !ok {
		tableSubs = map[string]*subscription{}
		b.byTable[table] = tableSubs
	}
	tableSubs[sub.id] = sub
	return sub.id, nil
}

// Unsubscribe removes one subscription.
func (b *Broker) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return gherrors.New(gherrors.CodeNotFound, "subscription not found")
	}
	b.removeLocked(sub)
	return nil
}

// DropConnection removes every subscription owned by connID and stops
// its writer. Called on disconnect.
func (b *Broker) DropConnection(connID string) {
	b.mu.Lock()
	conn, ok := b.conns[connID]
	if ok {
		for _, sub := range conn.subs {
			delete(b.subs, sub.id)
			if tableSubs := b.byTable[sub.table]; tableSubs != nil {
				delete(tableSubs, sub.id)
				if len(tableSubs) == 0 {
					delete(b.byTable, sub.table)
				}
			}
		}
		delete(b.conns, connID)
	}
	b.mu.Unlock()
	if ok {
		conn.queue.close()
	}
}

// Publish matches one committed mutation against live subscriptions and
// enqueues a notification per match. Callers invoke it while still
// holding the key's commit exclusion, so per-key sequence numbers are
// assigned in commit order. Publish never blocks on delivery.
func (b *Broker) Publish(table, key string, payload json.RawMessage, kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sk := seqKey{table: table, key: key}
	b.seqs[sk]++
	seq := b.seqs[sk]

	tableSubs := b.byTable[table]
	if len(tableSubs) == 0 {
		return
	}

	var fields map[string]json.RawMessage
	for _, sub := range tableSubs {
		if fields == nil && (patternNeedsFields(sub.pattern) || len(sub.projection) > 0) {
			fields = decodeFields(payload)
		}
		if !matches(sub.pattern, key, fields) {
			continue
		}
		n := Notification{
			Table:   table,
			Key:     key,
			Seq:     seq,
			Kind:    kind,
			Payload: project(payload, fields, sub.projection),
		}
		conn := b.conns[sub.connID]
		if conn == nil {
			continue
		}
		if conn.queue.push(n) {
			b.emitter.Emit(context.Background(), telemetry.KindQueueOverflow, "",
				fmt.Sprintf("connection %s dropped oldest notification for %s/%s", sub.connID, table, key))
		}
	}
}

// Seq returns the last sequence number assigned for one key.
func (b *Broker) Seq(table, key string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqs[seqKey{table: table, key: key}]
}

// Close drops every connection and waits for writers to stop.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := make([]*connState, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.conns = map[string]*connState{}
	b.subs = map[string]*subscription{}
	b.byTable = map[string]map[string]*subscription{}
	b.mu.Unlock()

	for _, conn := range conns {
		conn.queue.close()
	}
	b.writers.Wait()
}

func (b *Broker) deliver(connID string, q *queue, sink Sink) {
	defer b.writers.Done()
	for {
		n, ok := q.pop()
		if !ok {
			if q.isClosed() {
				return
			}
			<-q.notify
			continue
		}
		if err := sink.Send(n); err != nil {
			log.Printf("broker: drop connection %s: send: %v", connID, err)
			b.DropConnection(connID)
			return
		}
	}
}

func (b *Broker) removeLocked(sub *subscription) {
	delete(b.subs, sub.id)
	if tableSubs := b.byTable[sub.table]; tableSubs != nil {
		delete(tableSubs, sub.id)
		if len(tableSubs) == 0 {
			delete(b.byTable, sub.table)
		}
	}
	if conn := b.conns[sub.connID]; conn != nil {
		delete(conn.subs, sub.id)
	}
}

// matches evaluates a channel pattern against a key and payload fields.
// Patterns are colon-separated segments matched against the key's
// segments: a literal segment must equal the key segment, "*" matches
// any single segment, and "{field}" matches when the payload's field
// stringifies to the key segment. An empty pattern matches every key.
func matches(pattern, key string, fields map[string]json.RawMessage) bool {
	if pattern == "" {
		return true
	}
	patternSegs := strings.Split(pattern, ":")
	keySegs := strings.Split(key, ":")
	if len(patternSegs) != len(keySegs) {
		return false
	}
	for i, seg := range patternSegs {
		if seg == "*" {
			continue
		}
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			field := seg[1 : len(seg)-1]
			if stringifyField(fields[field]) != keySegs[i] {
				return false
			}
			continue
		}
		if seg != keySegs[i] {
			return false
		}
	}
	return true
}

func patternNeedsFields(pattern string) bool {
	return strings.Contains(pattern, "{")
}

func decodeFields(payload json.RawMessage) map[string]json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return map[string]json.RawMessage{}
	}
	return fields
}

func stringifyField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// project narrows a payload to the subscription's field list. An empty
// projection delivers the payload untouched.
func project(payload json.RawMessage, fields map[string]json.RawMessage, projection []string) json.RawMessage {
	if len(projection) == 0 {
		return payload
	}
	if fields == nil {
		fields = decodeFields(payload)
	}
	out := make(map[string]json.RawMessage, len(projection))
	for _, field := range projection {
		if value, ok := fields[field]; ok {
			out[field] = value
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return payload
	}
	return raw
}
