// Command server is the PQXDH directory and relay host (C9, §4.9): it
// parses CLI flags, opens the store, wires the identity/prekey/session
// services behind the router, and serves until signalled.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/averithefox/e2ee/internal/config"
	"github.com/averithefox/e2ee/internal/cryptoverify"
	"github.com/averithefox/e2ee/internal/httpapi"
	"github.com/averithefox/e2ee/internal/identity"
	"github.com/averithefox/e2ee/internal/prekey"
	"github.com/averithefox/e2ee/internal/reqauth"
	"github.com/averithefox/e2ee/internal/session"
	"github.com/averithefox/e2ee/internal/store"
	"github.com/averithefox/e2ee/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	telemetry.Init(logrus.InfoLevel, os.Stderr)
	log := telemetry.For(telemetry.ComponentHost)

	cfg, err := config.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Error("config: ", err)
		return 1
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("store: open: ", err)
		return 1
	}
	defer st.Close()

	verifier := cryptoverify.XEdDSA{}
	auth := reqauth.New(st, verifier)
	sessionMgr := session.New(st, verifier)
	identitySvc := identity.New(st, auth, verifier)
	prekeySvc := prekey.New(st, auth, sessionMgr)

	handler := httpapi.New(identitySvc, prekeySvc, sessionMgr, httpapi.Options{
		CORSDebug: cfg.CORSDebug,
		StaticDir: "./public",
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Listen)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen: ", err)
			return 1
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown: ", err)
			return 1
		}
	}
	return 0
}
