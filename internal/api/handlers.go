package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vineguard-gateway/internal/anomaly"
	"vineguard-gateway/internal/auth"
	"vineguard-gateway/internal/data"
	"vineguard-gateway/internal/metrics"
	"vineguard-gateway/internal/simulator"
	"vineguard-gateway/internal/websocket"
)

const alertsLimit = 50

// Refresher generates one round of readings for an owner on demand.
type Refresher interface {
	RunOnce(ctx context.Context, ownerID int64, checkThresholds bool) (int, error)
}

// Deps are the collaborators of the HTTP and WebSocket surface.
type Deps struct {
	Auth        *auth.AuthManager
	Engine      *anomaly.Detector
	Broadcaster *websocket.Broadcaster
	Refresher   Refresher
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	// Production disables the debug user_id connection parameter.
	Production bool
	// BaseContext bounds the lifetime of every WebSocket client.
	BaseContext context.Context
}

type APIHandler struct {
	auth        *auth.AuthManager
	engine      *anomaly.Detector
	broadcaster *websocket.Broadcaster
	registry    *websocket.Registry
	refresher   Refresher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	production  bool
	baseCtx     context.Context
}

func NewAPIHandler(d Deps) *APIHandler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	return &APIHandler{
		auth:        d.Auth,
		engine:      d.Engine,
		broadcaster: d.Broadcaster,
		registry:    d.Broadcaster.Registry(),
		refresher:   d.Refresher,
		metrics:     d.Metrics,
		logger:      d.Logger,
		production:  d.Production,
		baseCtx:     d.BaseContext,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	Owner       auth.Owner `json:"user"`
}

// HandleToken exchanges username and password for a JWT.
func (h *APIHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	o, err := h.auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		h.logger.Warn("login failed", "username", req.Username, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := h.auth.GenerateJWT(o)
	if err != nil {
		h.logger.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer", Owner: o})
}

// HandleListThresholds returns stored thresholds; ?active=true limits to active ones.
func (h *APIHandler) HandleListThresholds(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	ths, err := h.engine.Thresholds(r.Context(), activeOnly)
	if err != nil {
		h.logger.Error("list thresholds failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list thresholds")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"thresholds": ths})
}

// HandleSaveThreshold installs a threshold and notifies the caller's connections.
func (h *APIHandler) HandleSaveThreshold(w http.ResponseWriter, r *http.Request) {
	o, _ := auth.OwnerFromContext(r.Context())
	var in data.ThresholdInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	th, err := h.saveThreshold(r.Context(), in, o.ID)
	if errors.Is(err, anomaly.ErrInvalidThreshold) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("save threshold failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not save threshold")
		return
	}
	h.pushThresholds(r.Context(), o.ID)
	writeJSON(w, http.StatusCreated, th)
}

func (h *APIHandler) saveThreshold(ctx context.Context, in data.ThresholdInput, ownerID int64) (data.Threshold, error) {
	t := data.SensorType(in.SensorType)
	unit := in.Unit
	if unit == "" {
		if p, ok := simulator.ProfileFor(t); ok {
			unit = p.Unit
		}
	}
	return h.engine.CreateOrReplaceThreshold(ctx, t, unit, in.Min, in.Max, ownerID)
}

// HandleListAlerts returns the caller's active alerts.
func (h *APIHandler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	o, _ := auth.OwnerFromContext(r.Context())
	alerts, err := h.engine.ActiveAlerts(r.Context(), o.ID, alertsLimit)
	if err != nil {
		h.logger.Error("list alerts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// HandleResolveAlert closes one of the caller's alerts.
func (h *APIHandler) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	o, _ := auth.OwnerFromContext(r.Context())
	a, err := h.resolveAlert(r.Context(), chi.URLParam(r, "id"), o.ID)
	if errors.Is(err, anomaly.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		h.logger.Error("resolve alert failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not resolve alert")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// resolveAlert closes an alert owned by ownerID and pushes the update to the
// owner's connections. Alerts of other owners are reported as not found.
func (h *APIHandler) resolveAlert(ctx context.Context, id string, ownerID int64) (data.Alert, error) {
	a, err := h.engine.Alert(ctx, id)
	if err != nil {
		return data.Alert{}, err
	}
	if a.OwnerID != ownerID {
		return data.Alert{}, anomaly.ErrAlertNotFound
	}
	a, err = h.engine.Resolve(ctx, id)
	if err != nil {
		return data.Alert{}, err
	}
	if _, err := h.broadcaster.PublishAlert(a); err != nil {
		h.logger.Warn("publish resolved alert failed", "alert_id", id, "error", err)
	}
	return a, nil
}

// pushThresholds sends the active threshold set to every connection of ownerID.
func (h *APIHandler) pushThresholds(ctx context.Context, ownerID int64) {
	ths, err := h.engine.Thresholds(ctx, true)
	if err != nil {
		h.logger.Warn("load thresholds for broadcast failed", "error", err)
		return
	}
	env, err := h.broadcaster.Message(data.TypeThresholdsData, map[string]interface{}{"thresholds": ths})
	if err != nil {
		h.logger.Warn("encode thresholds failed", "error", err)
		return
	}
	if _, err := h.broadcaster.SendToOwner(env, ownerID); err != nil {
		h.logger.Warn("push thresholds failed", "owner_id", ownerID, "error", err)
	}
}

// HandleHealth reports liveness and connection counts.
func (h *APIHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": h.registry.Len(),
		"groups":      h.registry.GroupCount(),
	})
}
