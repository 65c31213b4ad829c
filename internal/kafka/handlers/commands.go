package handlers

import (
	"encoding/json"

	"vn.io.arda/dirsync/internal/domain"
)

func init() {
	RegisterDirect("sync-commands", handleSyncCommand)
}

// syncCommand is the whole-message shape on the sync-commands topic:
// other services request a reconciliation of a specific application.
type syncCommand struct {
	AppID             string `json:"appId"`
	Mode              string `json:"mode"`
	ConfirmFullRevoke bool   `json:"confirmFullRevoke"`
}

func handleSyncCommand(data []byte) *domain.SyncRequest {
	var cmd syncCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil
	}
	mode := domain.ModeAuto
	if cmd.Mode == string(domain.ModeManual) {
		// Manual runs over Kafka are dry-runs: there is nobody to
		// confirm, so the delta is computed and persisted unapplied.
		mode = domain.ModeManual
	}
	return &domain.SyncRequest{
		AppID:             cmd.AppID,
		Mode:              mode,
		ConfirmFullRevoke: cmd.ConfirmFullRevoke,
		TriggeredBy:       "kafka:sync-commands",
	}
}
