package app

import (
	"context"
	"net/http"
	"strings"

	"chatsync/pkg/api"
	"chatsync/pkg/auth"
	"chatsync/pkg/banner"
	"chatsync/pkg/httpx"
	"chatsync/pkg/store"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/utils"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "none" && a.commit != "" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "unknown" && a.buildDate != "" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

// setupHTTPHandlers sets up all HTTP handlers on the provided mux.
func (a *App) setupHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/readyz", a.readyzHandler)
	mux.HandleFunc("/healthz", healthzHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Handler())
}

// readyzHandler handles the /readyz endpoint.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !store.Ready() {
		utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok", "version": ver})
}

// healthzHandler handles the /healthz endpoint.
func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
}

// secConfig builds the auth middleware config from the effective config.
func (a *App) secConfig() auth.SecConfig {
	sec := a.eff.Config.Security
	cfg := auth.SecConfig{
		AllowedOrigins: append([]string{}, sec.CORS.AllowedOrigins...),
		RPS:            sec.RateLimit.RPS,
		Burst:          sec.RateLimit.Burst,
		IPWhitelist:    append([]string{}, sec.IPWhitelist...),
		BackendKeys:    map[string]struct{}{},
		FrontendKeys:   map[string]struct{}{},
		AdminKeys:      map[string]struct{}{},
	}
	for _, k := range sec.APIKeys.Backend {
		cfg.BackendKeys[k] = struct{}{}
	}
	for _, k := range sec.APIKeys.Frontend {
		cfg.FrontendKeys[k] = struct{}{}
	}
	for _, k := range sec.APIKeys.Admin {
		cfg.AdminKeys[k] = struct{}{}
	}
	return cfg
}

// startHTTP builds the handler, starts the HTTP server in a goroutine and
// returns a channel that will contain any server error.
func (a *App) startHTTP(_ context.Context) <-chan error {
	mux := http.NewServeMux()
	a.setupHTTPHandlers(mux)

	// wrap mux with auth middleware, then telemetry middleware
	wrapped := auth.AuthenticateRequestMiddleware(a.secConfig())(mux)
	wrapped = telemetry.Middleware(wrapped)

	a.srv = &http.Server{Addr: a.eff.Addr, Handler: wrapped}

	errCh := make(chan error, 1)
	go func() {
		cert := a.eff.Config.Server.TLS.CertFile
		key := a.eff.Config.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()
	return errCh
}

// startFastIngest starts the optional fasthttp send listener. It accepts
// only POST /v1/conversations/{id}/messages and shares the send handler
// with the main router through the httpx adapter. Deployments front it
// with their own auth; the listener checks API keys but skips CORS and
// the heavier middleware.
func (a *App) startFastIngest() <-chan error {
	errCh := make(chan error, 1)
	addr := a.eff.Config.Ingest.FastAddr
	if addr == "" {
		return errCh
	}

	sec := a.secConfig()
	send := httpx.FastHTTPAdapter(api.SendMessage, sendPathVars)

	handler := func(ctx *fasthttp.RequestCtx) {
		if !fastKeyAllowed(&ctx.Request.Header, sec) {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.SetBodyString(`{"error":"unauthorized"}`)
			return
		}
		if string(ctx.Method()) != fasthttp.MethodPost {
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
			return
		}
		if sendPathVars(string(ctx.Path())) == nil {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		send(ctx)
	}

	go func() {
		errCh <- fasthttp.ListenAndServe(addr, handler)
	}()
	return errCh
}

// sendPathVars matches /v1/conversations/{id}/messages and extracts {id}.
func sendPathVars(path string) map[string]string {
	const prefix = "/v1/conversations/"
	const suffix = "/messages"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return nil
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" || strings.Contains(id, "/") {
		return nil
	}
	return map[string]string{"id": id}
}

func fastKeyAllowed(h *fasthttp.RequestHeader, sec auth.SecConfig) bool {
	key := string(h.Peek("X-API-Key"))
	if key == "" {
		authz := string(h.Peek("Authorization"))
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			key = strings.TrimSpace(authz[7:])
		}
	}
	if key == "" {
		return false
	}
	if _, ok := sec.BackendKeys[key]; ok {
		return true
	}
	if _, ok := sec.AdminKeys[key]; ok {
		return true
	}
	_, ok := sec.FrontendKeys[key]
	return ok
}
