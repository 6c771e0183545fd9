// Package prekey implements the PQXDH key-bundle assembly endpoint (§4.6):
// GET /api/keys/{handle}/bundle, with atomic one-time-prekey consumption.
package prekey

import (
	"context"
	"errors"
	"net/http"

	"github.com/averithefox/e2ee/internal/apierrors"
	"github.com/averithefox/e2ee/internal/reqauth"
	"github.com/averithefox/e2ee/internal/store"
	"github.com/averithefox/e2ee/internal/telemetry"
	"github.com/averithefox/e2ee/internal/wire"
)

// Store is the slice of the persistence layer this service needs.
type Store interface {
	GetIdentityByHandle(ctx context.Context, handle string) (store.IdentityRow, error)
	AssembleBundle(ctx context.Context, id int64, dryRun bool) (store.Bundle, error)
	MarkLowPrekeyNotifiedIfUnset(ctx context.Context, id int64) (bool, error)
}

// Authenticator is the slice of reqauth.Authenticator the service needs.
type Authenticator interface {
	FromHTTPRequest(r *http.Request, body []byte) (reqauth.Result, error)
}

// Notifier is handed identities whose prekey pool has just dropped below
// the low-water mark, so the session manager can deliver an out-of-band
// warning: at once if that identity is connected, otherwise the next time
// it authenticates.
type Notifier interface {
	NotifyLowPrekeys(identityID int64)
}

type loggerEntry interface {
	Error(args ...interface{})
}

// Service implements GET /api/keys/{handle}/bundle.
type Service struct {
	store    Store
	auth     Authenticator
	notifier Notifier
	log      loggerEntry
}

// New builds a Service over s, authenticated via auth. notifier may be nil
// if low-prekey warnings are not wired up (e.g. in isolated handler tests).
func New(s Store, auth Authenticator, notifier Notifier) *Service {
	return &Service{store: s, auth: auth, notifier: notifier, log: telemetry.For(telemetry.ComponentPrekey)}
}

// Bundle handles GET /api/keys/{handle}/bundle[?dryRun=1]. handle is the
// path variable already extracted by the router.
func (svc *Service) Bundle(w http.ResponseWriter, r *http.Request, handle string) {
	if _, err := svc.auth.FromHTTPRequest(r, nil); err != nil {
		writeAuthError(w, err)
		return
	}

	row, err := svc.store.GetIdentityByHandle(r.Context(), handle)
	switch {
	case errors.Is(err, store.ErrNotFound):
		apierrors.WriteError(w, apierrors.PrekeyNoBundleAvailable, "no such handle", nil)
		return
	case err != nil:
		svc.log.Error("bundle: load identity: ", err)
		apierrors.WriteError(w, apierrors.Internal, "failed to load identity", nil)
		return
	}

	dryRun := r.URL.Query().Get("dryRun") == "1"
	b, err := svc.store.AssembleBundle(r.Context(), row.ID, dryRun)
	if err != nil {
		svc.log.Error("bundle: assemble: ", err)
		apierrors.WriteError(w, apierrors.Internal, "failed to assemble bundle", nil)
		return
	}

	if !dryRun && b.LowPrekeyPool && svc.notifier != nil {
		notified, err := svc.store.MarkLowPrekeyNotifiedIfUnset(r.Context(), row.ID)
		if err != nil {
			svc.log.Error("bundle: mark low prekey notified: ", err)
		} else if notified {
			svc.notifier.NotifyLowPrekeys(row.ID)
		}
	}

	out := toWireBundle(b)
	w.Header().Set("Content-Type", "application/protobuf; proto=messages.PQXDHKeyBundle")
	w.Header().Set("Cache-Control", "private, max-age=60")
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

func toWireBundle(b store.Bundle) wire.PQXDHKeyBundle {
	out := wire.PQXDHKeyBundle{IDKey: b.IK}
	if b.HasSPK {
		out.HasPrekey = true
		out.Prekey = wire.SignedPrekey{ID: b.SPK.ID, Key: b.SPK.Key, Sig: b.SPK.Sig}
	}
	if b.HasPQKEMPrekey {
		out.HasPQKEMPrekey = true
		out.PQKEMPrekey = wire.SignedPrekey{ID: b.PQKEMPrekey.ID, Key: b.PQKEMPrekey.Key, Sig: b.PQKEMPrekey.Sig}
	}
	if b.HasOneTimePrekey {
		out.HasOneTimePrekey = true
		out.OneTimePrekey = wire.Prekey{ID: b.OneTimePrekey.ID, Key: b.OneTimePrekey.Key}
	}
	return out
}
