package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
)

// BuiltinPolicyTable declares the default command whitelist. Anything not
// listed here is rejected as UnknownCommand before permissions are checked.
func BuiltinPolicyTable() domain.PolicyTable {
	return domain.PolicyTable{
		"ping": {
			RequiredLevel: domain.LevelUser,
		},
		"status": {
			RequiredLevel: domain.LevelUser,
		},
		"history": {
			RequiredLevel: domain.LevelUser,
			Params: []domain.ParamSpec{
				{Name: "channel", Type: domain.ParamString, Required: true},
				{Name: "since_ms", Type: domain.ParamNumber},
			},
		},
		"restart_agent": {
			RequiredLevel: domain.LevelAdmin,
			Params: []domain.ParamSpec{
				{Name: "agent_id", Type: domain.ParamString, Required: true},
			},
		},
		"run_security_scan": {
			RequiredLevel: domain.LevelAdmin,
			Params: []domain.ParamSpec{
				{Name: "deep", Type: domain.ParamBool},
			},
		},
	}
}

// BuiltinHandlers wires the default command set against the hub's storage
// and broadcast surfaces.
func BuiltinHandlers(
	history ports.HistoryRepository,
	alerts ports.AlertService,
	broadcaster ports.Broadcaster,
) map[string]CommandHandler {
	return map[string]CommandHandler{
		"ping": func(ctx context.Context, params map[string]interface{}) (string, error) {
			return "pong", nil
		},

		"status": func(ctx context.Context, params map[string]interface{}) (string, error) {
			snapshot, err := history.Snapshot(ctx)
			if err != nil {
				return "", err
			}
			out := map[string]interface{}{
				"channels": snapshot,
				"alerts":   alerts.Recent(10),
			}
			data, err := json.Marshal(out)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},

		"history": func(ctx context.Context, params map[string]interface{}) (string, error) {
			channel, err := domain.ParseChannel(params["channel"].(string))
			if err != nil {
				return "", err
			}
			since := time.Time{}
			if raw, ok := params["since_ms"]; ok {
				ms, _ := numeric(raw)
				since = time.UnixMilli(int64(ms))
			}
			records, err := history.Since(ctx, channel, since)
			if err != nil {
				return "", err
			}
			data, err := json.Marshal(records)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},

		"restart_agent": func(ctx context.Context, params map[string]interface{}) (string, error) {
			agentID := params["agent_id"].(string)
			broadcaster.Publish(ctx, domain.NewMetricRecord(domain.ChannelAgent,
				map[string]interface{}{
					"event":    "restart_requested",
					"agent_id": agentID,
				}, time.Now()))
			return fmt.Sprintf("restart signal sent to agent %s", agentID), nil
		},

		"run_security_scan": func(ctx context.Context, params map[string]interface{}) (string, error) {
			deep := false
			if v, ok := params["deep"].(bool); ok {
				deep = v
			}
			broadcaster.Publish(ctx, domain.NewMetricRecord(domain.ChannelSecurity,
				map[string]interface{}{
					"event": "scan_started",
					"deep":  deep,
				}, time.Now()))
			return "security scan started", nil
		},
	}
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
