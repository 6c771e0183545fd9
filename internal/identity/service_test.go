package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/averithefox/e2ee/internal/reqauth"
	"github.com/averithefox/e2ee/internal/store"
	"github.com/averithefox/e2ee/internal/wire"
)

type fakeStore struct {
	rows    map[string]store.IdentityRow
	nextID  int64
	patched map[int64]store.IdentityPatch
	deleted map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:    make(map[string]store.IdentityRow),
		patched: make(map[int64]store.IdentityPatch),
		deleted: make(map[int64]bool),
	}
}

func (f *fakeStore) InsertIdentity(ctx context.Context, rec store.NewIdentity) (int64, error) {
	if _, exists := f.rows[rec.Handle]; exists {
		return 0, store.ErrConflict
	}
	f.nextID++
	f.rows[rec.Handle] = store.IdentityRow{ID: f.nextID, Handle: rec.Handle, IK: rec.IK, SPK: rec.SPK, PQSPK: rec.PQSPK}
	return f.nextID, nil
}

func (f *fakeStore) ApplyPatch(ctx context.Context, id int64, patch store.IdentityPatch) error {
	f.patched[id] = patch
	return nil
}

func (f *fakeStore) DeleteIdentity(ctx context.Context, id int64) error {
	f.deleted[id] = true
	return nil
}

func (f *fakeStore) GetIdentityByHandle(ctx context.Context, handle string) (store.IdentityRow, error) {
	row, ok := f.rows[handle]
	if !ok {
		return store.IdentityRow{}, store.ErrNotFound
	}
	return row, nil
}

type fakeVerifier struct{ alwaysValid bool }

func (v fakeVerifier) Verify(pubKey, msg, sig []byte) bool { return v.alwaysValid }

type fakeAuth struct {
	result reqauth.Result
	err    error
}

func (a fakeAuth) FromHTTPRequest(r *http.Request, body []byte) (reqauth.Result, error) {
	return a.result, a.err
}

func tenPlain() []wire.Prekey {
	out := make([]wire.Prekey, 10)
	for i := range out {
		out[i] = wire.Prekey{ID: int64(i + 1), Key: []byte{byte(i)}}
	}
	return out
}

func tenSigned() []wire.SignedPrekey {
	out := make([]wire.SignedPrekey, 10)
	for i := range out {
		out[i] = wire.SignedPrekey{ID: int64(i + 1), Key: []byte{byte(i)}, Sig: make([]byte, 64)}
	}
	return out
}

func validIdentity(handle string) wire.Identity {
	return wire.Identity{
		Handle:              handle,
		IDKey:               make([]byte, 32),
		Prekey:              wire.SignedPrekey{ID: 1, Key: make([]byte, 32), Sig: make([]byte, 64)},
		PQKEMPrekey:         wire.SignedPrekey{ID: 1, Key: make([]byte, 32), Sig: make([]byte, 64)},
		OneTimePrekeys:      tenPlain(),
		OneTimePQKEMPrekeys: tenSigned(),
	}
}

func TestRegister_Success(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, fakeAuth{}, fakeVerifier{alwaysValid: true})

	body := validIdentity("alice").Marshal()
	r := httptest.NewRequest(http.MethodPost, "/api/identity", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	svc.Register(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("want 201, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := fs.rows["alice"]; !ok {
		t.Fatal("expected alice to be persisted")
	}
}

func TestRegister_RejectsInvalidHandle(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, fakeAuth{}, fakeVerifier{alwaysValid: true})

	body := validIdentity("_bad").Marshal()
	r := httptest.NewRequest(http.MethodPost, "/api/identity", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	svc.Register(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for invalid handle, got %d", w.Code)
	}
}

func TestRegister_RejectsTooFewPrekeys(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, fakeAuth{}, fakeVerifier{alwaysValid: true})

	rec := validIdentity("bob")
	rec.OneTimePrekeys = rec.OneTimePrekeys[:5]
	body := rec.Marshal()
	r := httptest.NewRequest(http.MethodPost, "/api/identity", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	svc.Register(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for too few prekeys, got %d", w.Code)
	}
}

func TestRegister_RejectsBadSignature(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, fakeAuth{}, fakeVerifier{alwaysValid: false})

	body := validIdentity("carol").Marshal()
	r := httptest.NewRequest(http.MethodPost, "/api/identity", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	svc.Register(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for invalid prekey signature, got %d", w.Code)
	}
}

func TestRegister_HandleCollision(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, fakeAuth{}, fakeVerifier{alwaysValid: true})

	for i, wantStatus := range []int{http.StatusCreated, http.StatusConflict} {
		_ = i
		body := validIdentity("dupe").Marshal()
		r := httptest.NewRequest(http.MethodPost, "/api/identity", strings.NewReader(string(body)))
		w := httptest.NewRecorder()
		svc.Register(w, r)
		if w.Code != wantStatus {
			t.Fatalf("want %d, got %d", wantStatus, w.Code)
		}
	}
}

func TestDelete_RequiresAuth(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, fakeAuth{err: reqauth.ErrSignatureInvalid}, fakeVerifier{alwaysValid: true})

	r := httptest.NewRequest(http.MethodDelete, "/api/identity", nil)
	w := httptest.NewRecorder()
	svc.Delete(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", w.Code)
	}
}

func TestDelete_Success(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, fakeAuth{result: reqauth.Result{ID: 9, Handle: "alice"}}, fakeVerifier{alwaysValid: true})

	r := httptest.NewRequest(http.MethodDelete, "/api/identity", nil)
	w := httptest.NewRecorder()
	svc.Delete(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	if !fs.deleted[9] {
		t.Fatal("expected identity 9 to be deleted")
	}
}

func TestGet_NotFound(t *testing.T) {
	fs := newFakeStore()
	svc := New(fs, fakeAuth{result: reqauth.Result{ID: 1, Handle: "alice"}}, fakeVerifier{alwaysValid: true})

	r := httptest.NewRequest(http.MethodGet, "/api/identity?handle=ghost", nil)
	w := httptest.NewRecorder()
	svc.Get(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", w.Code)
	}
}
