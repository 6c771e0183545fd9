package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/averithefox/e2ee/internal/store"
	"github.com/averithefox/e2ee/internal/wire"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]store.IdentityRow
	queue   map[int64][]store.QueueRow
	nextRow int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]store.IdentityRow), queue: make(map[int64][]store.QueueRow)}
}

func (f *fakeStore) GetIdentityByHandle(ctx context.Context, handle string) (store.IdentityRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[handle]
	if !ok {
		return store.IdentityRow{}, store.ErrNotFound
	}
	return row, nil
}

func (f *fakeStore) ListQueue(ctx context.Context, forID int64) ([]store.QueueRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.QueueRow(nil), f.queue[forID]...), nil
}

func (f *fakeStore) DeleteQueueRow(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for forID, rows := range f.queue {
		for i, r := range rows {
			if r.ID == id {
				f.queue[forID] = append(rows[:i], rows[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (f *fakeStore) Enqueue(ctx context.Context, forID int64, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRow++
	f.queue[forID] = append(f.queue[forID], store.QueueRow{ID: f.nextRow, Msg: msg})
	return nil
}

func (f *fakeStore) queueLen(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue[id])
}

type fakeVerifier struct{ valid bool }

func (v fakeVerifier) Verify(pubKey, msg, sig []byte) bool { return v.valid }

func newTestServer(m *Manager) (*httptest.Server, string) {
	srv := httptest.NewServer(http.HandlerFunc(m.ServeWS))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readClientbound(t *testing.T, ws *websocket.Conn) wire.ClientboundMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := wire.DecodeClientboundMessage(data)
	if err != nil {
		t.Fatalf("decode clientbound: %v", err)
	}
	return msg
}

func writeServerbound(t *testing.T, ws *websocket.Conn, m wire.ServerboundMessage) {
	t.Helper()
	if err := ws.WriteMessage(websocket.BinaryMessage, wire.EncodeServerboundMessage(m)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// authedSocket dials wsURL, completes the handshake as handle (accepted
// because fakeVerifier is stubbed valid), and returns the live socket.
func authedSocket(t *testing.T, wsURL, handle string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readClientbound(t, ws) // challenge

	writeServerbound(t, ws, wire.ServerboundMessage{
		ID:   1,
		Kind: wire.ServerboundChallengeResponse,
		ChallengeResponse: wire.ChallengeResponse{
			Handle:    handle,
			Signature: make([]byte, 64),
		},
	})
	readClientbound(t, ws) // ack
	return ws
}

func TestHandshake_Success(t *testing.T) {
	fs := newFakeStore()
	fs.rows["alice"] = store.IdentityRow{ID: 1, Handle: "alice", IK: make([]byte, 32)}
	m := New(fs, fakeVerifier{valid: true})
	srv, wsURL := newTestServer(m)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	challenge := readClientbound(t, ws)
	if challenge.Kind != wire.ClientboundChallenge || len(challenge.Challenge.Nonce) != 32 {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}

	writeServerbound(t, ws, wire.ServerboundMessage{
		ID:   7,
		Kind: wire.ServerboundChallengeResponse,
		ChallengeResponse: wire.ChallengeResponse{
			Handle:    "alice",
			Signature: make([]byte, 64),
		},
	})

	ack := readClientbound(t, ws)
	if ack.Kind != wire.ClientboundAck || ack.Ack.HasError || ack.Ack.MessageID != 7 {
		t.Fatalf("expected success ack for id 7, got %+v", ack)
	}
}

func TestHandshake_WrongSignatureLength(t *testing.T) {
	fs := newFakeStore()
	fs.rows["alice"] = store.IdentityRow{ID: 1, Handle: "alice", IK: make([]byte, 32)}
	m := New(fs, fakeVerifier{valid: true})
	srv, wsURL := newTestServer(m)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	readClientbound(t, ws) // challenge

	writeServerbound(t, ws, wire.ServerboundMessage{
		ID:   1,
		Kind: wire.ServerboundChallengeResponse,
		ChallengeResponse: wire.ChallengeResponse{
			Handle:    "alice",
			Signature: make([]byte, 10),
		},
	})

	ack := readClientbound(t, ws)
	if !ack.Ack.HasError || ack.Ack.Error != wire.AckInvalidSignature {
		t.Fatalf("expected INVALID_SIGNATURE ack, got %+v", ack.Ack)
	}
}

func TestHandshake_UnknownIdentity(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, fakeVerifier{valid: true})
	srv, wsURL := newTestServer(m)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	readClientbound(t, ws)

	writeServerbound(t, ws, wire.ServerboundMessage{
		ID:   1,
		Kind: wire.ServerboundChallengeResponse,
		ChallengeResponse: wire.ChallengeResponse{
			Handle:    "ghost",
			Signature: make([]byte, 64),
		},
	})

	ack := readClientbound(t, ws)
	if !ack.Ack.HasError || ack.Ack.Error != wire.AckUnknownIdentity {
		t.Fatalf("expected UNKNOWN_IDENTITY ack, got %+v", ack.Ack)
	}
}

func TestForward_Relay(t *testing.T) {
	fs := newFakeStore()
	fs.rows["alice"] = store.IdentityRow{ID: 1, Handle: "alice", IK: make([]byte, 32)}
	fs.rows["bob"] = store.IdentityRow{ID: 2, Handle: "bob", IK: make([]byte, 32)}
	m := New(fs, fakeVerifier{valid: true})
	srv, wsURL := newTestServer(m)
	defer srv.Close()

	alice := authedSocket(t, wsURL, "alice")
	defer alice.Close()
	bob := authedSocket(t, wsURL, "bob")
	defer bob.Close()

	writeServerbound(t, alice, wire.ServerboundMessage{
		ID:   42,
		Kind: wire.ServerboundForward,
		Forward: wire.Forward{
			Handle:      "bob",
			PayloadKind: wire.ForwardPayloadMessage,
			Payload:     []byte("hello"),
		},
	})

	ack := readClientbound(t, alice)
	if ack.Kind != wire.ClientboundAck || ack.Ack.HasError || ack.Ack.MessageID != 42 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	got := readClientbound(t, bob)
	if got.Kind != wire.ClientboundForward || got.Forward.Handle != "alice" || string(got.Forward.Payload) != "hello" {
		t.Fatalf("forward not rewritten correctly: %+v", got)
	}

	if n := fs.queueLen(2); n != 0 {
		t.Fatalf("expected empty queue for online delivery, got %d", n)
	}
}

func TestForward_UnknownTarget(t *testing.T) {
	fs := newFakeStore()
	fs.rows["alice"] = store.IdentityRow{ID: 1, Handle: "alice", IK: make([]byte, 32)}
	m := New(fs, fakeVerifier{valid: true})
	srv, wsURL := newTestServer(m)
	defer srv.Close()

	alice := authedSocket(t, wsURL, "alice")
	defer alice.Close()

	writeServerbound(t, alice, wire.ServerboundMessage{
		ID:   1,
		Kind: wire.ServerboundForward,
		Forward: wire.Forward{
			Handle:      "ghost",
			PayloadKind: wire.ForwardPayloadMessage,
			Payload:     []byte("hi"),
		},
	})

	ack := readClientbound(t, alice)
	if !ack.Ack.HasError || ack.Ack.Error != wire.AckUnknownIdentity {
		t.Fatalf("expected UNKNOWN_IDENTITY ack, got %+v", ack.Ack)
	}
}

func TestForward_OfflineQueuesThenDrainsInOrder(t *testing.T) {
	fs := newFakeStore()
	fs.rows["alice"] = store.IdentityRow{ID: 1, Handle: "alice", IK: make([]byte, 32)}
	fs.rows["bob"] = store.IdentityRow{ID: 2, Handle: "bob", IK: make([]byte, 32)}
	m := New(fs, fakeVerifier{valid: true})
	srv, wsURL := newTestServer(m)
	defer srv.Close()

	alice := authedSocket(t, wsURL, "alice")
	defer alice.Close()

	for i, payload := range []string{"first", "second"} {
		writeServerbound(t, alice, wire.ServerboundMessage{
			ID:   int64(i + 1),
			Kind: wire.ServerboundForward,
			Forward: wire.Forward{
				Handle:      "bob",
				PayloadKind: wire.ForwardPayloadMessage,
				Payload:     []byte(payload),
			},
		})
		readClientbound(t, alice) // ack
	}

	if n := fs.queueLen(2); n != 2 {
		t.Fatalf("expected 2 queued envelopes for bob, got %d", n)
	}

	bob := authedSocket(t, wsURL, "bob")
	defer bob.Close()

	for _, want := range []string{"first", "second"} {
		got := readClientbound(t, bob)
		if string(got.Forward.Payload) != want {
			t.Fatalf("expected drained payload %q, got %+v", want, got)
		}
	}

	if n := fs.queueLen(2); n != 0 {
		t.Fatalf("expected queue drained, got %d rows", n)
	}
}

func TestForward_RejectsBadVariant(t *testing.T) {
	fs := newFakeStore()
	fs.rows["alice"] = store.IdentityRow{ID: 1, Handle: "alice", IK: make([]byte, 32)}
	fs.rows["bob"] = store.IdentityRow{ID: 2, Handle: "bob", IK: make([]byte, 32)}
	m := New(fs, fakeVerifier{valid: true})
	srv, wsURL := newTestServer(m)
	defer srv.Close()

	alice := authedSocket(t, wsURL, "alice")
	defer alice.Close()

	writeServerbound(t, alice, wire.ServerboundMessage{
		ID:   1,
		Kind: wire.ServerboundForward,
		Forward: wire.Forward{
			Handle:      "bob",
			PayloadKind: wire.ForwardPayloadNone,
		},
	})

	ack := readClientbound(t, alice)
	if !ack.Ack.HasError || ack.Ack.Error != wire.AckInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE ack, got %+v", ack.Ack)
	}
}

func TestNotifyLowPrekeys_DeliversToOnlineSocket(t *testing.T) {
	fs := newFakeStore()
	fs.rows["alice"] = store.IdentityRow{ID: 1, Handle: "alice", IK: make([]byte, 32)}
	m := New(fs, fakeVerifier{valid: true})
	srv, wsURL := newTestServer(m)
	defer srv.Close()

	alice := authedSocket(t, wsURL, "alice")
	defer alice.Close()

	m.NotifyLowPrekeys(1)

	got := readClientbound(t, alice)
	if got.Kind != wire.ClientboundForward || got.Forward.Handle != "" {
		t.Fatalf("expected server-originated warning with empty handle, got %+v", got)
	}
}
