// Package session implements the authenticated WebSocket protocol (§4.7):
// handshake, offline queue drain, forwarding, and acknowledgements.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/averithefox/e2ee/internal/cryptoverify"
	"github.com/averithefox/e2ee/internal/store"
	"github.com/averithefox/e2ee/internal/telemetry"
	"github.com/averithefox/e2ee/internal/wire"
)

const nonceSize = 32

// lowPrekeyWarningMarker is the payload carried by the server-originated
// LowPrekeyWarning envelope (a Forward with Handle == ""), per the
// low-prekey notification feature.
var lowPrekeyWarningMarker = []byte("LOW_PREKEY_POOL")

// Store is the slice of the persistence layer the session manager needs.
type Store interface {
	GetIdentityByHandle(ctx context.Context, handle string) (store.IdentityRow, error)
	ListQueue(ctx context.Context, forID int64) ([]store.QueueRow, error)
	DeleteQueueRow(ctx context.Context, id int64) error
	Enqueue(ctx context.Context, forID int64, msg []byte) error
}

type loggerEntry interface {
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Manager owns the connection hub and implements the handshake, drain,
// and forwarding logic shared by every socket.
type Manager struct {
	store    Store
	verifier cryptoverify.Verifier
	hub      *hub
	upgrader websocket.Upgrader
	log      loggerEntry

	pendingMu sync.Mutex
	pending   map[int64]bool // identity id -> low-prekey warning owed
}

// New builds a Manager over s, authenticated via verifier.
func New(s Store, verifier cryptoverify.Verifier) *Manager {
	return &Manager{
		store:    s,
		verifier: verifier,
		hub:      newHub(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      telemetry.For(telemetry.ComponentSession),
		pending:  make(map[int64]bool),
	}
}

// NotifyLowPrekeys implements prekey.Notifier: it marks identityID as owed
// a LowPrekeyWarning, delivered the next time that identity authenticates
// (immediately, if it is already connected).
func (m *Manager) NotifyLowPrekeys(identityID int64) {
	m.pendingMu.Lock()
	alreadyOnline, c := false, (*conn)(nil)
	if existing, ok := m.hub.get(identityID); ok {
		alreadyOnline, c = true, existing
	} else {
		m.pending[identityID] = true
	}
	m.pendingMu.Unlock()

	if alreadyOnline {
		m.deliverLowPrekeyWarning(c)
	}
}

func (m *Manager) takePendingWarning(id int64) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.pending[id] {
		delete(m.pending, id)
		return true
	}
	return false
}

func (m *Manager) deliverLowPrekeyWarning(c *conn) {
	msg := wire.NewForwardMessage("", wire.ForwardPayloadMessage, lowPrekeyWarningMarker)
	if err := c.writeBinary(wire.EncodeClientboundMessage(msg)); err != nil {
		m.log.Warn("session: low prekey warning delivery failed: ", err)
	}
}

// ServeWS upgrades r into a WebSocket and runs the connection's read loop
// until it closes. Per socket, frames are handled one at a time in arrival
// order on this goroutine.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("session: upgrade failed: ", err)
		return
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		m.log.Error("session: nonce generation failed: ", err)
		_ = ws.Close()
		return
	}
	c := newConn(ws, nonce)
	defer m.closeConn(c)

	challenge := wire.NewChallengeMessage(nonce)
	if err := c.writeBinary(wire.EncodeClientboundMessage(challenge)); err != nil {
		return
	}

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			m.log.Warn("session: dropped non-binary frame")
			continue
		}
		if m.handleFrame(r.Context(), c, data) == closeSocket {
			return
		}
	}
}

func (m *Manager) closeConn(c *conn) {
	if c.authenticated() {
		m.hub.unregister(c.id)
	}
	_ = c.ws.Close()
}

type frameOutcome int

const (
	keepOpen frameOutcome = iota
	closeSocket
)

func (m *Manager) handleFrame(ctx context.Context, c *conn, data []byte) frameOutcome {
	msg, err := wire.DecodeServerboundMessage(data)
	if err != nil {
		if !c.authenticated() {
			c.drain()
			return closeSocket
		}
		m.log.Warn("session: dropped undecodable frame from ", c.handle)
		return keepOpen
	}

	if !c.authenticated() {
		return m.handleHandshake(ctx, c, msg)
	}

	switch msg.Kind {
	case wire.ServerboundForward:
		m.handleForward(ctx, c, msg)
	default:
		m.sendAck(c, msg.ID, wire.AckInvalidMessage)
	}
	return keepOpen
}

func (m *Manager) handleHandshake(ctx context.Context, c *conn, msg wire.ServerboundMessage) frameOutcome {
	if msg.Kind != wire.ServerboundChallengeResponse {
		c.drain()
		return closeSocket
	}
	cr := msg.ChallengeResponse

	if len(cr.Signature) != 64 {
		m.sendAck(c, msg.ID, wire.AckInvalidSignature)
		c.drain()
		return closeSocket
	}

	row, err := m.store.GetIdentityByHandle(ctx, cr.Handle)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.sendAck(c, msg.ID, wire.AckUnknownIdentity)
		c.drain()
		return closeSocket
	case err != nil:
		m.log.Error("session: handshake lookup: ", err)
		m.sendAck(c, msg.ID, wire.AckServerError)
		c.drain()
		return closeSocket
	}

	if !m.verifier.Verify(row.IK, c.nonce, cr.Signature) {
		m.sendAck(c, msg.ID, wire.AckInvalidSignature)
		c.drain()
		return closeSocket
	}

	c.id = row.ID
	c.handle = row.Handle
	m.hub.register(c)

	m.sendAck(c, msg.ID, wire.AckNone)
	m.drainQueue(ctx, c)
	if m.takePendingWarning(c.id) {
		m.deliverLowPrekeyWarning(c)
	}
	return keepOpen
}

// drainQueue delivers every pending offline envelope to the now-
// authenticated owner, in insertion order, deleting each row once its
// bytes are handed to the transport. A delete failure is logged and the
// drain continues; per §4.7/§9 a future drain may redeliver that row.
func (m *Manager) drainQueue(ctx context.Context, c *conn) {
	rows, err := m.store.ListQueue(ctx, c.id)
	if err != nil {
		m.log.Error("session: queue drain list: ", err)
		return
	}
	for _, row := range rows {
		if err := c.writeBinary(row.Msg); err != nil {
			m.log.Warn("session: queue drain send failed: ", err)
			return
		}
		if err := m.store.DeleteQueueRow(ctx, row.ID); err != nil {
			m.log.Error("session: queue drain delete: ", err)
		}
	}
}

func (m *Manager) handleForward(ctx context.Context, c *conn, msg wire.ServerboundMessage) {
	fw := msg.Forward
	if fw.PayloadKind != wire.ForwardPayloadPQXDHInit && fw.PayloadKind != wire.ForwardPayloadMessage {
		m.sendAck(c, msg.ID, wire.AckInvalidMessage)
		return
	}

	target, err := m.store.GetIdentityByHandle(ctx, fw.Handle)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.sendAck(c, msg.ID, wire.AckUnknownIdentity)
		return
	case err != nil:
		m.log.Error("session: forward lookup: ", err)
		m.sendAck(c, msg.ID, wire.AckServerError)
		return
	}

	out := wire.NewForwardMessage(c.handle, fw.PayloadKind, fw.Payload)
	m.sendAck(c, msg.ID, wire.AckNone)
	m.sendByID(ctx, target.ID, wire.EncodeClientboundMessage(out))
}

// sendByID delivers bytes to the target's live socket if one is
// connected, otherwise spills to the durable offline queue.
func (m *Manager) sendByID(ctx context.Context, id int64, bytes []byte) {
	if target, ok := m.hub.get(id); ok {
		if err := target.writeBinary(bytes); err == nil {
			return
		}
		m.log.Warn("session: live send failed, falling back to queue for id ", id)
	}
	if err := m.store.Enqueue(ctx, id, bytes); err != nil {
		m.log.Error("session: enqueue failed: ", err)
	}
}

func (m *Manager) sendAck(c *conn, messageID int64, ackErr wire.AckError) {
	ack := wire.NewAckMessage(messageID, ackErr)
	if err := c.writeBinary(wire.EncodeClientboundMessage(ack)); err != nil {
		m.log.Warn("session: ack send failed: ", err)
	}
}
