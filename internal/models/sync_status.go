package models

// SyncStatus represents the engine-wide synchronization state.
type SyncStatus string

const (
	SyncStatusOffline SyncStatus = "offline"
	SyncStatusOnline  SyncStatus = "online"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusError   SyncStatus = "error"
)

// IsConnected reports whether the status implies the server is reachable.
func (s SyncStatus) IsConnected() bool {
	return s != SyncStatusOffline
}
