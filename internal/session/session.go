// Package session implements the per-connection state machine, wire
// dispatch and System/subscription bridging described in spec.md §4.4:
// INIT -> HANDSHAKING -> READY -> CLOSED, strictly-ordered incoming
// message processing, and strictly-ordered outgoing deltas per
// subscription (handled by internal/broker's per-subscription FIFO
// guarantee and this package's single reader/forwarder goroutines).
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/hetu-io/hetu/internal/admission"
	"github.com/hetu-io/hetu/internal/broker"
	"github.com/hetu-io/hetu/internal/errors"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/session/protocol"
	"github.com/hetu-io/hetu/internal/store"
	"github.com/hetu-io/hetu/internal/system"
	"github.com/hetu-io/hetu/pkg/logger"
)

// Session owns one connection's identity, subscription set and message
// dispatch loop. A System may elevate identity (e.g. login); since
// incoming messages are processed strictly in order by a single goroutine
// (Run), no synchronization is needed around identity or subs.
type Session struct {
	ID       string
	conn     *Conn
	executor *system.Executor
	broker   *broker.Broker
	reg      *schema.Registry
	log      *logger.Logger
	throttle *admission.Throttle

	identity schema.Permission
	subs     map[uint64]bool
}

// New constructs a Session bound to conn, dispatching System calls through
// executor and subscriptions through a fresh per-connection broker.Broker
// over backend.
func New(id string, conn *Conn, executor *system.Executor, backend store.Backend, reg *schema.Registry, log *logger.Logger) *Session {
	if log == nil {
		log = logger.NewDefault("session")
	}
	return &Session{
		ID:       id,
		conn:     conn,
		executor: executor,
		broker:   broker.New(backend, reg),
		reg:      reg,
		log:      log,
		throttle: admission.NewThrottle(admission.DefaultGuestThrottle()),
		identity: schema.Guest, // spec.md §4.5: a session starts at guest
		subs:     make(map[uint64]bool),
	}
}

// Identity returns the session's current permission level.
func (s *Session) Identity() schema.Permission { return s.identity }

// Elevate raises (or lowers) the session's identity level. Called by a
// login-style System's result, never directly by a client frame. Past
// guest, the session's CallSystem throttle widens per spec.md §4.5.
func (s *Session) Elevate(p schema.Permission) {
	s.identity = p
	if p > schema.Guest {
		s.throttle.Raise(admission.AuthenticatedThrottleConfig())
	}
}

// Run drains deltas and incoming frames until the connection closes.
// Deltas are forwarded on their own goroutine so a slow System call never
// blocks subscription delivery and vice versa (spec.md §5's
// "per-subscription FIFO, best-effort ordering across subscriptions").
func (s *Session) Run(ctx context.Context) {
	go s.forwardDeltas()
	go s.conn.WriteLoop()

	for {
		msg, err := s.conn.ReadFrame()
		if err != nil {
			s.conn.Close(err)
			return
		}
		if err := s.handle(ctx, msg); err != nil {
			s.log.WithError(err).Warn("session: frame handling failed")
		}
		if s.conn.State() == StateClosed {
			return
		}
	}
}

// Close unsubscribes every subscription this session owns, per spec.md
// §4.4's CLOSED-state "unsubscribe all, drop session".
func (s *Session) Close() {
	for subID := range s.subs {
		s.broker.Unsubscribe(subID)
	}
	s.subs = make(map[uint64]bool)
}

// LastActive reports when this session last successfully read a frame,
// for idle-session sweeping (internal/housekeeping.SessionSweeper).
func (s *Session) LastActive() time.Time { return s.conn.LastActive() }

// ForceClose unsubscribes and tears down the underlying connection
// immediately, rather than waiting for the client to send close or the
// read loop to error out. Used by an idle-session sweep.
func (s *Session) ForceClose() {
	s.Close()
	s.conn.Close(fmt.Errorf("session: idle timeout"))
}

func (s *Session) forwardDeltas() {
	for d := range s.broker.Out {
		fields := rowFields(s.reg, d)
		if err := s.conn.SendMessage(protocol.Message{
			Tag: protocol.TagDelta,
			Payload: []any{
				int64(d.SubID),
				d.Op.String(),
				uint64(d.RowID),
				fields,
			},
		}); err != nil {
			s.log.WithError(err).Warn("session: delta delivery failed")
		}
	}
}

func (s *Session) handle(ctx context.Context, msg protocol.Message) error {
	switch msg.Tag {
	case protocol.TagSys:
		return s.handleSys(ctx, msg)
	case protocol.TagSub:
		return s.handleSub(ctx, msg)
	case protocol.TagUnsub:
		return s.handleUnsub(msg)
	case protocol.TagClose:
		s.Close()
		s.conn.Close(nil)
		return nil
	default:
		return fmt.Errorf("session: unexpected tag %s from client", msg.Tag)
	}
}

func (s *Session) handleSys(ctx context.Context, msg protocol.Message) error {
	if len(msg.Payload) < 2 {
		return fmt.Errorf("session: malformed sys frame")
	}
	callID, _ := msg.Payload[0].(int64)
	if !s.throttle.Allow() {
		return s.conn.SendMessage(protocol.Message{
			Tag:     protocol.TagRsp,
			Payload: []any{callID, false, string(errors.CodeForbidden)},
		})
	}
	name, _ := msg.Payload[1].(string)
	args := map[string]any{}
	if len(msg.Payload) >= 3 {
		if m, ok := msg.Payload[2].(map[string]any); ok {
			args = m
		}
	}

	result, err := s.executor.Call(ctx, name, args, s.identity)
	if err != nil {
		code := "internal"
		if ce, ok := errors.As(err); ok {
			code = string(ce.Code)
		}
		return s.conn.SendMessage(protocol.Message{
			Tag:     protocol.TagRsp,
			Payload: []any{callID, false, code},
		})
	}
	if def, ok := s.executor.Lookup(name); ok && def.Elevates > s.identity {
		s.Elevate(def.Elevates)
	}
	return s.conn.SendMessage(protocol.Message{
		Tag:     protocol.TagRsp,
		Payload: []any{callID, true, result},
	})
}

func (s *Session) handleSub(ctx context.Context, msg protocol.Message) error {
	if len(msg.Payload) < 3 {
		return fmt.Errorf("session: malformed sub frame")
	}
	subID, _ := msg.Payload[0].(int64)
	kind, _ := msg.Payload[1].(string)
	component, _ := msg.Payload[2].(string)

	switch kind {
	case "row":
		field, value := subRowArgs(msg.Payload)
		id, rows, err := s.broker.SubscribeRow(ctx, s.identity, component, field, value)
		if err != nil {
			return err
		}
		s.subs[id] = true
		return s.sendSnapshot(subID, rows)

	case "range":
		r, err := subRangeArgs(msg.Payload)
		if err != nil {
			return err
		}
		id, rows, err := s.broker.SubscribeRange(ctx, s.identity, component, r)
		if err != nil {
			return err
		}
		s.subs[id] = true
		return s.sendSnapshot(subID, rows)

	default:
		return fmt.Errorf("session: unknown subscription kind %q", kind)
	}
}

func (s *Session) sendSnapshot(subID int64, rows []schema.Row) error {
	wireRows := make([]any, 0, len(rows))
	for _, row := range rows {
		c, ok := s.reg.Lookup(row.Component)
		if !ok {
			continue
		}
		typed := row.Typed(c)
		typed["_row_id"] = uint64(row.ID)
		wireRows = append(wireRows, typed)
	}
	return s.conn.SendMessage(protocol.Message{
		Tag:     protocol.TagSnap,
		Payload: []any{subID, wireRows},
	})
}

func (s *Session) handleUnsub(msg protocol.Message) error {
	if len(msg.Payload) < 1 {
		return fmt.Errorf("session: malformed unsub frame")
	}
	subID, ok := msg.Payload[0].(int64)
	if !ok {
		return fmt.Errorf("session: malformed unsub frame")
	}
	s.broker.Unsubscribe(uint64(subID))
	delete(s.subs, uint64(subID))
	return nil
}

func subRowArgs(payload []any) (field string, value any) {
	if len(payload) < 4 {
		return "", nil
	}
	args, _ := payload[3].(map[string]any)
	field, _ = args["field"].(string)
	return field, args["value"]
}

func subRangeArgs(payload []any) (store.Range, error) {
	if len(payload) < 4 {
		return store.Range{}, fmt.Errorf("session: missing range subscription args")
	}
	index, _ := payload[3].(string)
	args := map[string]any{}
	if len(payload) >= 5 {
		if m, ok := payload[4].(map[string]any); ok {
			args = m
		}
	}

	r := store.Range{Index: index, Left: args["left"], Right: args["right"], Direction: store.Asc}
	if limit, ok := args["limit"].(int64); ok {
		r.Limit = int(limit)
	} else {
		r.Limit = 100
	}
	if dir, ok := args["direction"].(string); ok && dir == "desc" {
		r.Direction = store.Desc
	}
	return r, nil
}

func rowFields(reg *schema.Registry, d broker.Delta) map[string]any {
	if d.Op == store.OpDelete {
		return nil
	}
	c, ok := reg.Lookup(d.Row.Component)
	if !ok {
		return nil
	}
	typed := d.Row.Typed(c)
	typed["_row_id"] = uint64(d.RowID)
	typed["_position"] = d.Position
	return typed
}
