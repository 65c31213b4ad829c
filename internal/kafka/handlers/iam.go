package handlers

import (
	"encoding/json"

	"vn.io.arda/dirsync/internal/domain"
)

func init() {
	Register("iam-events", "USER_DISABLED", handleIAMChange)
	Register("iam-events", "USER_DELETED", handleIAMChange)
	Register("iam-events", "GROUP_MEMBERS_CHANGED", handleIAMChange)
}

// iamEnv is the shared event envelope published by the IAM service.
// Any event that can invalidate the assignment state of an application
// triggers an automatic reconciliation of that application.
type iamEnv struct {
	EventType string `json:"eventType"`
	EventID   string `json:"eventId"`
	Payload   struct {
		AppID   string `json:"appId"`
		UserID  string `json:"userId"`
		GroupID string `json:"groupId"`
	} `json:"payload"`
}

func handleIAMChange(data []byte) *domain.SyncRequest {
	var env iamEnv
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	// AppID may be empty; the consumer falls back to the configured
	// default application.
	return &domain.SyncRequest{
		AppID:       env.Payload.AppID,
		Mode:        domain.ModeAuto,
		TriggeredBy: "kafka:iam-events/" + env.EventType,
	}
}
