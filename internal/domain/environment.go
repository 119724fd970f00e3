package domain

import "time"

// Environment lifecycle statuses.
const (
	StatusCreating = "creating"
	StatusPrepared = "prepared"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusDeleted  = "deleted"
	StatusFailed   = "failed"
)

// ContainerPrefix is prepended to every container name owned by an environment.
const ContainerPrefix = "foundry-"

// Environment is a provisioned multi-container development environment.
type Environment struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	Ready          bool              `json:"ready"`
	Ports          map[string]int    `json:"ports,omitempty"`
	Credentials    map[string][]byte `json:"credentials,omitempty"`
	Dir            string            `json:"dir,omitempty"`
	BackupRef      string            `json:"backupRef,omitempty"`
	FailureReason  string            `json:"failureReason,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// ContainerName returns the runtime name for one of the environment's services.
func (e Environment) ContainerName(role string) string {
	return ContainerPrefix + e.ID + "-" + role
}

// Terminal reports whether the environment has reached an end state.
func (e Environment) Terminal() bool {
	return e.Status == StatusDeleted || e.Status == StatusFailed
}

// Active reports whether the environment still holds allocated resources.
func (e Environment) Active() bool {
	return e.Status == StatusCreating || e.Status == StatusPrepared ||
		e.Status == StatusRunning || e.Status == StatusStopping
}

// Summary is the redacted view of an environment returned to callers.
type Summary struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Ready     bool           `json:"ready"`
	Ports     map[string]int `json:"ports,omitempty"`
	BackupRef string         `json:"backupRef,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Summarize strips credentials and internal bookkeeping from an environment.
func Summarize(e Environment) Summary {
	return Summary{
		ID:        e.ID,
		Name:      e.Name,
		Type:      e.Type,
		Status:    e.Status,
		Ready:     e.Ready,
		Ports:     e.Ports,
		BackupRef: e.BackupRef,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// Event describes a lifecycle transition broadcast to watchers.
type Event struct {
	EnvironmentID string    `json:"environmentId"`
	Status        string    `json:"status"`
	Ready         bool      `json:"ready"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}
