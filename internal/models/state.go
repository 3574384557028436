package models

import "time"

// SyncState is the observable state of a queue and its sync engine.
type SyncState struct {
	Actions      []QueuedAction `json:"actions"`
	Count        int            `json:"count"`
	PendingCount int            `json:"pending_count"`
	SyncingCount int            `json:"syncing_count"`
	FailedCount  int            `json:"failed_count"`
	IsSyncing    bool           `json:"is_syncing"`
	IsOnline     bool           `json:"is_online"`
	LastSyncAt   *time.Time     `json:"last_sync_at,omitempty"`
}

// StatusCounts holds the number of actions per status.
type StatusCounts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Total returns the number of actions counted.
func (c StatusCounts) Total() int {
	return c.Pending + c.Syncing + c.Failed
}

// CountStatuses tallies actions by status.
func CountStatuses(actions []QueuedAction) StatusCounts {
	var c StatusCounts
	for i := range actions {
		switch actions[i].Status {
		case StatusPending:
			c.Pending++
		case StatusSyncing:
			c.Syncing++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Rescheduled int           `json:"rescheduled"`
	Failed      int           `json:"failed"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}
