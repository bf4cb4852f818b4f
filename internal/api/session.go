package api

import (
	"context"
	"errors"
	"fmt"

	"vineguard-gateway/internal/anomaly"
	"vineguard-gateway/internal/data"
	"vineguard-gateway/internal/websocket"
)

// request_data targets.
const (
	targetSensorData      = "sensor_data"
	targetTestAlert       = "test_alert"
	targetGetThresholds   = "get_thresholds"
	targetSaveThresholds  = "save_thresholds"
	targetResetThresholds = "reset_thresholds"
	targetGetAlerts       = "get_alerts"
	targetResolveAlert    = "resolve_alert"
)

var errOwnerRequired = errors.New("user not identified")

type completion struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Count   *int   `json:"count,omitempty"`
	AlertID string `json:"alert_id,omitempty"`
	UserID  *int64 `json:"user_id"`
}

// HandleMessage dispatches one inbound frame. Malformed or unknown input is
// answered with a system error and the connection stays open.
func (h *APIHandler) HandleMessage(ctx context.Context, c *websocket.Client, raw []byte) {
	env, err := data.Parse(raw)
	if err != nil {
		h.systemError(c, fmt.Sprintf("invalid message: %v", err))
		return
	}
	h.logger.Debug("websocket message", "conn_id", c.ID(), "type", env.Type)

	switch env.Type {
	case data.TypePing:
		h.reply(c, data.TypePong, nil)

	case data.TypeSubscribe, data.TypeUnsubscribe:
		var req data.GroupsRequest
		if err := env.DecodeData(&req); err != nil {
			h.systemError(c, err.Error())
			return
		}
		h.handleGroups(c, env.Type, req.Groups)

	case data.TypeRequestData:
		var req data.DataRequest
		if err := env.DecodeData(&req); err != nil {
			h.systemError(c, err.Error())
			return
		}
		h.handleRequest(ctx, c, req)

	case data.TypeEcho:
		var payload interface{}
		if len(env.Data) > 0 {
			payload = env.Data
		}
		h.reply(c, data.TypeEcho, payload)

	default:
		h.systemError(c, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (h *APIHandler) handleGroups(c *websocket.Client, msgType string, groups []string) {
	owner := ownerOf(c)
	allowed := allowedGroups(groups, owner)
	for _, g := range allowed {
		var err error
		if msgType == data.TypeSubscribe {
			err = h.registry.JoinGroup(c, g)
		} else {
			err = h.registry.LeaveGroup(c, g)
		}
		if err != nil {
			h.logger.Warn("group change failed", "conn_id", c.ID(), "group", g, "error", err)
			return
		}
	}
	ack := data.TypeSubscribed
	if msgType == data.TypeUnsubscribe {
		ack = data.TypeUnsubscribed
	}
	h.reply(c, ack, data.GroupsRequest{Groups: allowed})
}

func (h *APIHandler) handleRequest(ctx context.Context, c *websocket.Client, req data.DataRequest) {
	owner := ownerOf(c)
	needsOwner := req.Target != targetTestAlert && req.Target != targetGetThresholds
	if needsOwner && owner == nil {
		h.systemError(c, errOwnerRequired.Error())
		return
	}
	var ownerID int64
	if owner != nil {
		ownerID = *owner
	}

	switch req.Target {
	case targetSensorData:
		n, err := h.refresher.RunOnce(ctx, ownerID, !req.IsManual())
		if err != nil {
			h.logger.Error("sensor data refresh failed", "owner_id", ownerID, "error", err)
			h.systemError(c, fmt.Sprintf("could not refresh sensor data: %v", err))
			return
		}
		h.complete(c, fmt.Sprintf("generated %d sensor readings", n), &n, "")

	case targetTestAlert:
		h.complete(c, "test alert: alert delivery is operational", nil, "")

	case targetGetThresholds:
		ths, err := h.engine.EnsureDefaultThresholds(ctx, ownerID)
		if err != nil {
			h.systemError(c, fmt.Sprintf("could not load thresholds: %v", err))
			return
		}
		h.reply(c, data.TypeThresholdsData, map[string]interface{}{"thresholds": ths})
		n := len(ths)
		h.complete(c, fmt.Sprintf("loaded %d thresholds", n), &n, "")

	case targetSaveThresholds:
		if len(req.Thresholds) == 0 {
			h.systemError(c, "no thresholds provided")
			return
		}
		for _, in := range req.Thresholds {
			if _, ok := data.ParseSensorType(in.SensorType); !ok {
				h.systemError(c, fmt.Sprintf("unknown sensor type %q", in.SensorType))
				return
			}
			if in.Min >= in.Max {
				h.systemError(c, fmt.Sprintf("%s: min must be below max", in.SensorType))
				return
			}
		}
		saved := 0
		for _, in := range req.Thresholds {
			if _, err := h.saveThreshold(ctx, in, ownerID); err != nil {
				h.systemError(c, fmt.Sprintf("could not save thresholds: %v", err))
				return
			}
			saved++
		}
		h.pushThresholds(ctx, ownerID)
		h.complete(c, fmt.Sprintf("saved %d thresholds", saved), &saved, "")

	case targetResetThresholds:
		ths, err := h.engine.ResetThresholds(ctx, ownerID)
		if err != nil {
			h.systemError(c, fmt.Sprintf("could not reset thresholds: %v", err))
			return
		}
		h.pushThresholds(ctx, ownerID)
		n := len(ths)
		h.complete(c, fmt.Sprintf("reset %d thresholds to defaults", n), &n, "")

	case targetGetAlerts:
		alerts, err := h.engine.ActiveAlerts(ctx, ownerID, alertsLimit)
		if err != nil {
			h.systemError(c, fmt.Sprintf("could not load alerts: %v", err))
			return
		}
		for _, a := range alerts {
			h.reply(c, data.TypeSensorAlert, a)
		}
		n := len(alerts)
		h.complete(c, fmt.Sprintf("loaded %d alerts", n), &n, "")

	case targetResolveAlert:
		if req.AlertID == "" {
			h.systemError(c, "alert_id required")
			return
		}
		_, err := h.resolveAlert(ctx, req.AlertID, ownerID)
		if errors.Is(err, anomaly.ErrAlertNotFound) {
			h.systemError(c, fmt.Sprintf("alert %s not found", req.AlertID))
			return
		}
		if err != nil {
			h.systemError(c, fmt.Sprintf("could not resolve alert: %v", err))
			return
		}
		h.complete(c, fmt.Sprintf("alert %s resolved", req.AlertID), nil, req.AlertID)

	default:
		h.systemError(c, fmt.Sprintf("unknown request target %q", req.Target))
	}
}

func ownerOf(c *websocket.Client) *int64 {
	if id := c.OwnerID(); id > 0 {
		return &id
	}
	return nil
}

func (h *APIHandler) complete(c *websocket.Client, msg string, count *int, alertID string) {
	h.reply(c, data.TypeRequestCompleted, completion{
		Status:  "success",
		Message: msg,
		Count:   count,
		AlertID: alertID,
		UserID:  ownerOf(c),
	})
}

func (h *APIHandler) systemError(c *websocket.Client, msg string) {
	h.reply(c, data.TypeSystem, map[string]string{"status": "error", "message": msg})
}

func (h *APIHandler) reply(c websocket.Conn, msgType string, payload interface{}) {
	env, err := h.broadcaster.Message(msgType, payload)
	if err != nil {
		h.logger.Error("encode reply failed", "type", msgType, "error", err)
		return
	}
	if err := h.broadcaster.SendDirect(env, c); err != nil {
		h.logger.Debug("reply dropped", "conn_id", c.ID(), "type", msgType, "error", err)
	}
}
