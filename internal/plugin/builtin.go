package plugin

import (
	"context"
	"fmt"

	"github.com/companionhq/companion/pkg/protocol"
)

// PermissionAutomation builds the builtin plugin that auto-decides
// permission requests from configured rules. Rules are a list of
// {toolName, action} where action is allow or deny.
func PermissionAutomation() *Definition {
	return &Definition{
		ID:       "permission-automation",
		Name:     "Permission Automation",
		Version:  "1.0.0",
		Events:   []string{protocol.EventPermissionRequest},
		Priority: 100,
		Blocking: true,
		// A slow rule match must never stall the permission flow.
		TimeoutMs:      500,
		FailPolicy:     FailContinue,
		DefaultEnabled: true,
		DefaultConfig:  map[string]any{"rules": []any{}},
		ValidateConfig: validateAutomationConfig,
		Capabilities:   []string{CapPermissionAutoDecide, CapInsightToast},
		RiskLevel:      "high",
		OnEvent:        automationOnEvent,
	}
}

func validateAutomationConfig(cfg map[string]any) error {
	raw, ok := cfg["rules"]
	if !ok {
		return fmt.Errorf("missing rules")
	}
	rules, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("rules must be a list")
	}
	for i, r := range rules {
		rule, ok := r.(map[string]any)
		if !ok {
			return fmt.Errorf("rule %d must be an object", i)
		}
		tool, _ := rule["toolName"].(string)
		if tool == "" {
			return fmt.Errorf("rule %d missing toolName", i)
		}
		action, _ := rule["action"].(string)
		if action != protocol.BehaviorAllow && action != protocol.BehaviorDeny {
			return fmt.Errorf("rule %d action must be allow or deny", i)
		}
	}
	return nil
}

func automationOnEvent(_ context.Context, evt *protocol.Envelope, cfg map[string]any) (*Result, error) {
	var req protocol.PermissionRequestData
	if err := evt.DecodeData(&req); err != nil {
		return nil, fmt.Errorf("malformed permission request: %w", err)
	}

	rules, _ := cfg["rules"].([]any)
	for _, r := range rules {
		rule, ok := r.(map[string]any)
		if !ok {
			continue
		}
		tool, _ := rule["toolName"].(string)
		if tool != req.ToolName {
			continue
		}
		action, _ := rule["action"].(string)
		return &Result{
			PermissionDecision: &protocol.PermissionDecision{
				RequestID: req.RequestID,
				Behavior:  action,
				Message:   "auto-decided by rule for " + tool,
			},
			Insights: []Insight{{
				Level:   "info",
				Message: fmt.Sprintf("Auto-%sed %s", action, tool),
				Channel: "toast",
			}},
		}, nil
	}
	return nil, nil
}

// Notifications builds the builtin plugin that surfaces turn completions
// and permission prompts as desktop/sound insights.
func Notifications() *Definition {
	return &Definition{
		ID:      "notifications",
		Name:    "Notifications",
		Version: "1.0.0",
		Events: []string{
			protocol.EventResult,
			protocol.EventPermissionRequest,
			protocol.EventError,
		},
		Priority:       10,
		Blocking:       false,
		TimeoutMs:      1000,
		FailPolicy:     FailContinue,
		DefaultEnabled: true,
		Capabilities:   []string{CapInsightDesktop, CapInsightSound, CapInsightToast},
		RiskLevel:      "low",
		OnEvent:        notificationsOnEvent,
	}
}

func notificationsOnEvent(_ context.Context, evt *protocol.Envelope, _ map[string]any) (*Result, error) {
	switch evt.Name {
	case protocol.EventResult:
		var res protocol.ResultData
		if err := evt.DecodeData(&res); err != nil {
			return nil, err
		}
		msg := "Turn complete"
		if res.IsError {
			msg = "Turn failed"
		}
		return &Result{Insights: []Insight{
			{Level: "info", Message: msg, Channel: "desktop"},
			{Level: "info", Message: msg, Channel: "sound"},
		}}, nil
	case protocol.EventPermissionRequest:
		var req protocol.PermissionRequestData
		if err := evt.DecodeData(&req); err != nil {
			return nil, err
		}
		return &Result{Insights: []Insight{{
			Level:   "info",
			Message: "Permission requested: " + req.ToolName,
			Channel: "desktop",
		}}}, nil
	case protocol.EventError:
		var e protocol.ErrorData
		if err := evt.DecodeData(&e); err != nil {
			return nil, err
		}
		return &Result{Insights: []Insight{{
			Level:   "error",
			Message: e.Message,
			Channel: "toast",
		}}}, nil
	}
	return nil, nil
}
