// Package httpapi implements the router (§4.8): HTTP route dispatch to the
// identity, prekey, and session components, plus static file serving for
// the client app.
package httpapi

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"

	"github.com/averithefox/e2ee/internal/apierrors"
	"github.com/averithefox/e2ee/internal/telemetry"
)

// IdentityService is the slice of internal/identity.Service the router
// dispatches to.
type IdentityService interface {
	Register(w http.ResponseWriter, r *http.Request)
	Patch(w http.ResponseWriter, r *http.Request)
	Delete(w http.ResponseWriter, r *http.Request)
	Get(w http.ResponseWriter, r *http.Request)
}

// PrekeyService is the slice of internal/prekey.Service the router
// dispatches to.
type PrekeyService interface {
	Bundle(w http.ResponseWriter, r *http.Request, handle string)
}

// SessionManager is the slice of internal/session.Manager the router
// dispatches to.
type SessionManager interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Options configures router construction.
type Options struct {
	CORSDebug bool
	StaticDir string // rooted static file tree, default "./public"
}

// New builds the top-level HTTP handler: logging, CORS, OPTIONS handling,
// and route dispatch, per §4.8.
func New(identitySvc IdentityService, prekeySvc PrekeyService, sessionMgr SessionManager, opts Options) http.Handler {
	staticDir := opts.StaticDir
	if staticDir == "" {
		staticDir = "./public"
	}

	r := mux.NewRouter()

	r.HandleFunc("/api/identity", identitySvc.Register).Methods(http.MethodPost)
	r.HandleFunc("/api/identity", identitySvc.Patch).Methods(http.MethodPatch)
	r.HandleFunc("/api/identity", identitySvc.Delete).Methods(http.MethodDelete)
	r.HandleFunc("/api/identity", identitySvc.Get).Methods(http.MethodGet)

	r.HandleFunc("/api/ws", sessionMgr.ServeWS)

	r.HandleFunc("/api/keys/{handle}/bundle", func(w http.ResponseWriter, req *http.Request) {
		prekeySvc.Bundle(w, req, mux.Vars(req)["handle"])
	}).Methods(http.MethodGet)

	r.PathPrefix("/api/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		apierrors.WriteError(w, apierrors.RouteNotFound, "no route under /api/ matches this request", nil)
	})

	r.PathPrefix("/").Handler(spaFileServer(staticDir))

	var h http.Handler = r
	h = optionsMiddleware(h)
	h = corsMiddleware(opts.CORSDebug, h)
	h = loggingMiddleware(h)
	return h
}

func loggingMiddleware(next http.Handler) http.Handler {
	log := telemetry.For(telemetry.ComponentRouter)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			log.Infof("%s %s?%s", r.Method, r.URL.Path, r.URL.RawQuery)
		} else {
			log.Infof("%s %s", r.Method, r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

// spaFileServer serves files rooted at dir, falling back to dir/index.html
// for any path that does not match a real file (single-page-app routing).
func spaFileServer(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		full := filepath.Join(dir, filepath.Clean(r.URL.Path))
		if info, err := os.Stat(full); err != nil || info.IsDir() {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
			return
		}
		fs.ServeHTTP(w, r)
	})
}
