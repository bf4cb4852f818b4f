package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	gwebsocket "github.com/gorilla/websocket" // Alias to avoid name conflict

	"vineguard-gateway/internal/auth"
	"vineguard-gateway/internal/data"
	"vineguard-gateway/internal/websocket"
)

var upgrader = gwebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var errDebugIdentity = errors.New("user_id parameter is disabled in production")

// HandleWebSocket serves /ws: authenticate, upgrade, register, greet, then run
// the client until it disconnects.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.serveSocket(w, r, splitList(r.URL.Query()["groups"]))
}

// HandleSensorDataSocket serves /ws/sensor-data, which subscribes to the type
// and location groups named by sensor_types and location_ids.
func (h *APIHandler) HandleSensorDataSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var groups []string
	for _, t := range splitList(q["sensor_types"]) {
		groups = append(groups, data.TypeGroup(data.SensorType(t)))
	}
	for _, id := range splitList(q["location_ids"]) {
		groups = append(groups, data.LocationGroup(id))
	}
	h.serveSocket(w, r, groups)
}

func (h *APIHandler) serveSocket(w http.ResponseWriter, r *http.Request, requested []string) {
	owner, identified, authErr := h.identify(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade error", "error", err)
		return
	}
	if authErr != nil {
		h.logger.Warn("websocket connection rejected", "remote", r.RemoteAddr, "error", authErr)
		websocket.Reject(conn, "authentication failed")
		return
	}

	var ownerPtr *int64
	var ownerID int64
	if identified {
		ownerID = owner.ID
		ownerPtr = &ownerID
	}
	groups := append(allowedGroups(requested, ownerPtr), data.GroupAll)

	client := websocket.NewClient(h.baseCtx, conn, h.registry, h, ownerID, h.logger)
	if err := h.registry.Connect(client, ownerPtr, groups); err != nil {
		h.logger.Error("register websocket client failed", "error", err)
		websocket.Reject(conn, "registration failed")
		return
	}

	welcome := map[string]interface{}{
		"message":   "Connected to the VineGuard WebSocket server",
		"user_id":   ownerPtr,
		"groups":    h.registry.Groups(client),
		"client_id": client.ID(),
	}
	h.reply(client, data.TypeWelcome, welcome)

	if r.URL.Query().Get("request") == "get_thresholds" {
		h.handleRequest(client.Context(), client, data.DataRequest{Target: targetGetThresholds})
	}

	client.Serve()
}

// identify resolves the connecting owner. A token wins over the debug user_id
// parameter; no credentials at all yield an anonymous connection.
func (h *APIHandler) identify(r *http.Request) (auth.Owner, bool, error) {
	if token := auth.TokenFromRequest(r); token != "" {
		o, err := h.auth.Authenticate(token)
		if err != nil {
			return auth.Owner{}, false, err
		}
		return o, true, nil
	}
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		return auth.Owner{}, false, nil
	}
	if h.production {
		return auth.Owner{}, false, errDebugIdentity
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return auth.Owner{}, false, fmt.Errorf("%w: bad user_id %q", auth.ErrUnauthorized, raw)
	}
	o, err := h.auth.Owner(id)
	if err != nil {
		return auth.Owner{}, false, err
	}
	h.logger.Warn("using unverified user_id, debug only", "owner_id", id)
	return o, true, nil
}

// allowedGroups drops empty names and owner groups that are not the caller's.
func allowedGroups(groups []string, ownerID *int64) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if strings.HasPrefix(g, "user:") && (ownerID == nil || g != data.OwnerGroup(*ownerID)) {
			continue
		}
		out = append(out, g)
	}
	return out
}

// splitList accepts repeated and comma separated query values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
