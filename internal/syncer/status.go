package syncer

import (
	"sort"
	"time"

	"github.com/agentworkforce/drivesync/internal/ledger"
)

const (
	StateIdle    = "idle"
	StateSyncing = "syncing"
	StateFailed  = "failed"
)

type ConfigStatus struct {
	ConfigID   string      `json:"configId"`
	TenantID   string      `json:"tenantId"`
	Provider   string      `json:"provider"`
	State      string      `json:"state"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	LastError  *string     `json:"lastError,omitempty"`
	LastResult *PassResult `json:"lastResult,omitempty"`
}

// Statuses returns the last known pass state of every configuration of the
// tenant that has run in this process.
func (o *Orchestrator) Statuses(tenantID string) []ConfigStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ConfigStatus, 0)
	for _, status := range o.statuses {
		if status.TenantID == tenantID {
			out = append(out, status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out
}

func (o *Orchestrator) setStatus(cfg ledger.CloudDriveConfig, state string, result *PassResult, err error) {
	status := ConfigStatus{
		ConfigID:  cfg.ID,
		TenantID:  cfg.TenantID,
		Provider:  cfg.Provider,
		State:     state,
		UpdatedAt: o.now().UTC(),
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if previous, ok := o.statuses[cfg.ID]; ok {
		status.LastResult = previous.LastResult
		status.LastError = previous.LastError
	}
	if result != nil {
		copied := *result
		status.LastResult = &copied
	}
	if err != nil {
		msg := err.Error()
		status.LastError = &msg
	} else if state == StateIdle {
		status.LastError = nil
	}
	o.statuses[cfg.ID] = status
}
