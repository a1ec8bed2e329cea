package server

import (
	"net/http"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Handlers      *Handlers
	Authenticator *Authenticator
}

// NewMux builds the HTTP mux. Every route except the OAuth callback is
// behind authentication; the callback is reached by the user's browser
// from the provider redirect and is guarded by its single-use state.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /oauth/callback", cfg.Handlers.Callback)

	authed := http.NewServeMux()
	authed.HandleFunc("POST /servers", cfg.Handlers.RegisterServer)
	authed.HandleFunc("GET /servers", cfg.Handlers.ListServers)
	authed.HandleFunc("POST /servers/{id}/connect", cfg.Handlers.Connect)
	authed.HandleFunc("DELETE /servers/{id}", cfg.Handlers.DeleteServer)
	authed.HandleFunc("GET /tools", cfg.Handlers.ListTools)
	authed.HandleFunc("POST /tools/call", cfg.Handlers.CallTool)

	mux.Handle("/", cfg.Authenticator.Middleware(authed))

	return mux
}
