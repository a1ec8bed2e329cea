package server

import (
	"encoding/json"
	"errors"
	"html"
	"log/slog"
	"net/http"
	"time"

	apperrors "toolgate/internal/errors"
	"toolgate/internal/models"
)

// Handlers adapts Service operations to HTTP.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

type serverResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	AuthMode  string    `json:"auth_mode"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// toServerResponse strips credentials and metadata from the stored row.
func toServerResponse(srv *models.RemoteServer) serverResponse {
	return serverResponse{
		ID:        srv.ID,
		Name:      srv.Name,
		URL:       srv.BaseURL,
		AuthMode:  string(srv.Auth),
		Status:    string(srv.Status),
		CreatedAt: srv.CreatedAt,
	}
}

type registerRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Auth string `json:"auth,omitempty"`
}

// RegisterServer handles POST /servers.
func (h *Handlers) RegisterServer(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	srv, err := h.service.RegisterServer(r.Context(), RequestUserID(r.Context()), req.Name, req.URL, models.AuthMode(req.Auth))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toServerResponse(srv))
}

type connectResponse struct {
	Connected        bool            `json:"connected"`
	AuthorizationURL string          `json:"authorization_url,omitempty"`
	Server           *serverResponse `json:"server,omitempty"`
}

// Connect handles POST /servers/{id}/connect.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Connect(r.Context(), RequestUserID(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := connectResponse{
		Connected:        result.Connected,
		AuthorizationURL: result.AuthorizationURL,
	}
	if result.Connected {
		sr := toServerResponse(result.Server)
		resp.Server = &sr
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListServers handles GET /servers.
func (h *Handlers) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.service.ListServers(RequestUserID(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := make([]serverResponse, 0, len(servers))
	for i := range servers {
		out = append(out, toServerResponse(&servers[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

// DeleteServer handles DELETE /servers/{id}.
func (h *Handlers) DeleteServer(w http.ResponseWriter, r *http.Request) {
	err := h.service.DeleteServer(r.Context(), RequestUserID(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Callback handles GET /oauth/callback, the provider redirect target.
// It is browser-facing and unauthenticated: the single-use state
// parameter is the credential.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		// The provider declined. Only the registered error code is
		// logged, never the free-form description.
		h.logger.Warn("authorization denied by provider", slog.String("error", errCode))
		writeHTML(w, http.StatusBadRequest, "Authorization failed. You can close this window and try again.")

		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeHTML(w, http.StatusBadRequest, "Missing state or code parameter.")
		return
	}

	srv, err := h.service.CompleteAuthorization(r.Context(), state, code)
	if err != nil {
		h.logger.Warn("authorization callback failed", slog.String("error", err.Error()))

		status := http.StatusBadGateway
		if errors.Is(err, apperrors.ErrStateInvalid) {
			status = http.StatusBadRequest
		}

		writeHTML(w, status, "Authorization failed. You can close this window and try again.")

		return
	}

	writeHTML(w, http.StatusOK, "Connected to "+html.EscapeString(srv.Name)+". You can close this window.")
}

type toolResponse struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	ServerID    string          `json:"server_id"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ListTools handles GET /tools.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	toolList, err := h.service.ListTools(RequestUserID(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := make([]toolResponse, 0, len(toolList))
	for _, t := range toolList {
		out = append(out, toolResponse{
			Name:        t.Name,
			Description: t.Description,
			ServerID:    t.ServerID,
			InputSchema: t.InputSchema,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

type callToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallTool handles POST /tools/call.
func (h *Handlers) CallTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "tool name is required")
		return
	}

	result, err := h.service.ExecuteTool(r.Context(), RequestUserID(r.Context()), req.Name, req.Arguments)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// writeServiceError maps service errors to HTTP statuses. Messages stay
// generic for upstream failures; details are logged with status codes
// only, never bodies.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("request failed",
		slog.String("path", r.URL.Path),
		slog.String("user_id", RequestUserID(r.Context())),
		slog.String("error", err.Error()))

	switch {
	case errors.Is(err, apperrors.ErrServerNotFound), errors.Is(err, apperrors.ErrToolNotFound):
		writeError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, apperrors.ErrServerExists):
		writeError(w, http.StatusConflict, err.Error())

	case errors.Is(err, apperrors.ErrStateInvalid), errors.Is(err, apperrors.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())

	case apperrors.IsReconnectRequired(err):
		writeError(w, http.StatusConflict, "reconnect required: reauthorize this server")

	default:
		var (
			oauthErr *apperrors.OAuthError
			connErr  *apperrors.ConnectionError
			execErr  *apperrors.ToolExecutionError
		)

		if errors.As(err, &oauthErr) || errors.As(err, &connErr) || errors.As(err, &execErr) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}

		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeHTML(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte("<!DOCTYPE html><html><body><p>" + message + "</p></body></html>"))
}
