// Package identity implements registration, authenticated rotation/top-up,
// deletion, and public lookup of identity records (§4.5).
package identity

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/averithefox/e2ee/internal/apierrors"
	"github.com/averithefox/e2ee/internal/cryptoverify"
	"github.com/averithefox/e2ee/internal/reqauth"
	"github.com/averithefox/e2ee/internal/store"
	"github.com/averithefox/e2ee/internal/telemetry"
	"github.com/averithefox/e2ee/internal/wire"
)

// minOneTimePrekeys is I3: every identity must register with at least this
// many of each one-time prekey kind.
const minOneTimePrekeys = 10

// Store is the slice of the persistence layer the identity service needs.
type Store interface {
	InsertIdentity(ctx context.Context, rec store.NewIdentity) (int64, error)
	ApplyPatch(ctx context.Context, id int64, patch store.IdentityPatch) error
	DeleteIdentity(ctx context.Context, id int64) error
	GetIdentityByHandle(ctx context.Context, handle string) (store.IdentityRow, error)
}

// Authenticator is the slice of reqauth.Authenticator the service needs.
type Authenticator interface {
	FromHTTPRequest(r *http.Request, body []byte) (reqauth.Result, error)
}

// loggerEntry narrows *logrus.Entry to what this package actually calls.
type loggerEntry interface {
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Service implements the four /api/identity operations.
type Service struct {
	store    Store
	auth     Authenticator
	verifier cryptoverify.Verifier
	log      loggerEntry
}

// New builds a Service over s, authenticated via auth and verifying
// signatures with v.
func New(s Store, auth Authenticator, v cryptoverify.Verifier) *Service {
	return &Service{store: s, auth: auth, verifier: v, log: telemetry.For(telemetry.ComponentIdentity)}
}

// Register handles POST /api/identity.
func (svc *Service) Register(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierrors.WriteError(w, apierrors.IdentityMalformedRecord, "failed to read body", nil)
		return
	}
	rec, err := wire.DecodeIdentity(body)
	if err != nil {
		apierrors.WriteError(w, apierrors.IdentityMalformedRecord, "identity record failed to decode", nil)
		return
	}

	if !ValidHandle(rec.Handle) {
		apierrors.WriteError(w, apierrors.IdentityInvalidHandle, "handle fails validation", nil)
		return
	}
	if len(rec.IDKey) != 32 {
		apierrors.WriteError(w, apierrors.IdentityMalformedRecord, "id_key must be 32 bytes", nil)
		return
	}
	if len(rec.Prekey.Key) != 32 || len(rec.Prekey.Sig) != 64 {
		apierrors.WriteError(w, apierrors.IdentityMalformedRecord, "prekey key/sig length invalid", nil)
		return
	}
	if len(rec.PQKEMPrekey.Sig) != 64 {
		apierrors.WriteError(w, apierrors.IdentityMalformedRecord, "pqkem_prekey sig length invalid", nil)
		return
	}
	if !svc.verifier.Verify(rec.IDKey, rec.Prekey.Key, rec.Prekey.Sig) {
		apierrors.WriteError(w, apierrors.PrekeySignatureInvalid, "prekey signature invalid", nil)
		return
	}
	if !svc.verifier.Verify(rec.IDKey, rec.PQKEMPrekey.Key, rec.PQKEMPrekey.Sig) {
		apierrors.WriteError(w, apierrors.PrekeySignatureInvalid, "pqkem_prekey signature invalid", nil)
		return
	}
	for _, otp := range rec.OneTimePQKEMPrekeys {
		if len(otp.Sig) != 64 || !svc.verifier.Verify(rec.IDKey, otp.Key, otp.Sig) {
			apierrors.WriteError(w, apierrors.PrekeySignatureInvalid, "one-time pqkem prekey signature invalid", nil)
			return
		}
	}
	if len(rec.OneTimePrekeys) < minOneTimePrekeys || len(rec.OneTimePQKEMPrekeys) < minOneTimePrekeys {
		apierrors.WriteError(w, apierrors.IdentityPoolTooSmall, "fewer than 10 one-time prekeys of some kind", nil)
		return
	}

	_, err = svc.store.InsertIdentity(r.Context(), toNewIdentity(rec))
	switch {
	case errors.Is(err, store.ErrConflict):
		apierrors.WriteError(w, apierrors.IdentityHandleTaken, "handle already registered", nil)
		return
	case err != nil:
		svc.log.Error("register: insert identity: ", err)
		apierrors.WriteError(w, apierrors.Internal, "failed to persist identity", nil)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Patch handles PATCH /api/identity.
func (svc *Service) Patch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierrors.WriteError(w, apierrors.IdentityMalformedRecord, "failed to read body", nil)
		return
	}
	res, err := svc.auth.FromHTTPRequest(r, body)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	patch, err := wire.DecodeIdentityPatch(body)
	if err != nil {
		apierrors.WriteError(w, apierrors.IdentityMalformedRecord, "patch failed to decode", nil)
		return
	}

	if patch.HasPrekey {
		if len(patch.Prekey.Key) != 32 || !svc.verifier.Verify(res.IK, patch.Prekey.Key, patch.Prekey.Sig) {
			apierrors.WriteError(w, apierrors.PrekeySignatureInvalid, "prekey signature invalid", nil)
			return
		}
	}
	if patch.HasPQKEMPrekey {
		if len(patch.PQKEMPrekey.Sig) != 64 || !svc.verifier.Verify(res.IK, patch.PQKEMPrekey.Key, patch.PQKEMPrekey.Sig) {
			apierrors.WriteError(w, apierrors.PrekeySignatureInvalid, "pqkem_prekey signature invalid", nil)
			return
		}
	}
	for _, otp := range patch.OneTimePQKEMPrekeys {
		if len(otp.Sig) != 64 || !svc.verifier.Verify(res.IK, otp.Key, otp.Sig) {
			apierrors.WriteError(w, apierrors.PrekeySignatureInvalid, "one-time pqkem prekey signature invalid", nil)
			return
		}
	}

	err = svc.store.ApplyPatch(r.Context(), res.ID, toStorePatch(patch))
	if err != nil {
		svc.log.Error("patch: apply: ", err)
		apierrors.WriteError(w, apierrors.Internal, "failed to apply patch", nil)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Delete handles DELETE /api/identity.
func (svc *Service) Delete(w http.ResponseWriter, r *http.Request) {
	res, err := svc.auth.FromHTTPRequest(r, nil)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if err := svc.store.DeleteIdentity(r.Context(), res.ID); err != nil {
		svc.log.Error("delete: ", err)
		apierrors.WriteError(w, apierrors.Internal, "failed to delete identity", nil)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Get handles GET /api/identity?handle=H.
func (svc *Service) Get(w http.ResponseWriter, r *http.Request) {
	if _, err := svc.auth.FromHTTPRequest(r, nil); err != nil {
		writeAuthError(w, err)
		return
	}

	handle := r.URL.Query().Get("handle")
	if handle == "" {
		apierrors.WriteError(w, apierrors.IdentityInvalidHandle, "handle query parameter required", nil)
		return
	}
	row, err := svc.store.GetIdentityByHandle(r.Context(), handle)
	switch {
	case errors.Is(err, store.ErrNotFound):
		apierrors.WriteError(w, apierrors.IdentityNotFound, "no such handle", nil)
		return
	case err != nil:
		svc.log.Error("get: ", err)
		apierrors.WriteError(w, apierrors.Internal, "failed to load identity", nil)
		return
	}

	out := wire.PublicIdentity{Handle: row.Handle, IDKey: row.IK}
	w.Header().Set("Content-Type", "application/protobuf; proto=messages.PublicIdentity")
	_, _ = w.Write(out.Marshal())
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reqauth.ErrMissingHeaders):
		apierrors.WriteError(w, apierrors.AuthMissingHeaders, "missing or malformed auth headers", nil)
	case errors.Is(err, reqauth.ErrUnknownIdentity):
		apierrors.WriteError(w, apierrors.AuthUnknownIdentity, "unknown identity", nil)
	case errors.Is(err, reqauth.ErrSignatureInvalid):
		apierrors.WriteError(w, apierrors.AuthSignatureInvalid, "signature invalid", nil)
	default:
		apierrors.WriteError(w, apierrors.Internal, "authentication failed", nil)
	}
}

func toNewIdentity(rec wire.Identity) store.NewIdentity {
	return store.NewIdentity{
		Handle:              rec.Handle,
		IK:                  rec.IDKey,
		SPK:                 store.SignedKey{ID: rec.Prekey.ID, Key: rec.Prekey.Key, Sig: rec.Prekey.Sig},
		PQSPK:               store.SignedKey{ID: rec.PQKEMPrekey.ID, Key: rec.PQKEMPrekey.Key, Sig: rec.PQKEMPrekey.Sig},
		OneTimePrekeys:      toStorePlainKeys(rec.OneTimePrekeys),
		OneTimePQKEMPrekeys: toStoreSignedKeys(rec.OneTimePQKEMPrekeys),
	}
}

func toStorePatch(p wire.IdentityPatch) store.IdentityPatch {
	return store.IdentityPatch{
		HasSPK:              p.HasPrekey,
		SPK:                 store.SignedKey{ID: p.Prekey.ID, Key: p.Prekey.Key, Sig: p.Prekey.Sig},
		HasPQSPK:            p.HasPQKEMPrekey,
		PQSPK:               store.SignedKey{ID: p.PQKEMPrekey.ID, Key: p.PQKEMPrekey.Key, Sig: p.PQKEMPrekey.Sig},
		OneTimePrekeys:      toStorePlainKeys(p.OneTimePrekeys),
		OneTimePQKEMPrekeys: toStoreSignedKeys(p.OneTimePQKEMPrekeys),
	}
}

func toStorePlainKeys(keys []wire.Prekey) []store.PlainKey {
	out := make([]store.PlainKey, len(keys))
	for i, k := range keys {
		out[i] = store.PlainKey{ID: k.ID, Key: k.Key}
	}
	return out
}

func toStoreSignedKeys(keys []wire.SignedPrekey) []store.SignedKey {
	out := make([]store.SignedKey, len(keys))
	for i, k := range keys {
		out[i] = store.SignedKey{ID: k.ID, Key: k.Key, Sig: k.Sig}
	}
	return out
}
