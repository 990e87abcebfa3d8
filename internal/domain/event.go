package domain

import (
	"time"

	"github.com/google/uuid"
)

// RawEvent is one event record as submitted by an SDK. Fields are kept as
// strings until validation so every problem can be reported at once.
// Unknown JSON fields are ignored.
type RawEvent struct {
	SessionID            string `json:"session_id" validate:"required,uuid_any"`
	PackageName          string `json:"package_name" validate:"required,max=100"`
	PackageVersion       string `json:"package_version" validate:"required,max=50"`
	PythonVersion        string `json:"python_version" validate:"required,pyversion"`
	PythonImplementation string `json:"python_implementation" validate:"max=50"`
	OSType               string `json:"os_type" validate:"required,max=50"`
	OSVersion            string `json:"os_version" validate:"max=100"`
	OSRelease            string `json:"os_release" validate:"max=100"`
	Architecture         string `json:"architecture" validate:"max=20"`
	InstallationMethod   string `json:"installation_method" validate:"max=50"`
	VirtualEnv           *bool  `json:"virtual_env"`
	VirtualEnvType       string `json:"virtual_env_type" validate:"max=50"`
	CPUCount             *int   `json:"cpu_count" validate:"omitempty,min=1,max=1000"`
	TotalMemoryGB        *int   `json:"total_memory_gb" validate:"omitempty,min=1,max=1000"`
	EntryPoint           string `json:"entry_point" validate:"max=200"`
	EventTimestamp       string `json:"event_timestamp" validate:"required,rfc3339"`
	ExtraData            Object `json:"extra_data"`
	EventName            string `json:"event_name" validate:"max=200"`
	Properties           Object `json:"properties"`
}

// Event is a validated analytics event. It is immutable once persisted.
type Event struct {
	ID                   uuid.UUID
	APIKeyID             int64
	SessionID            uuid.UUID
	PackageName          string
	PackageVersion       string
	PythonVersion        string
	PythonImplementation string
	OSType               string
	OSVersion            string
	OSRelease            string
	Architecture         string
	InstallationMethod   string
	VirtualEnv           bool
	VirtualEnvType       string
	CPUCount             *int
	TotalMemoryGB        *int
	EntryPoint           string
	EventTimestamp       time.Time
	ExtraData            Object
	EventName            string
	Properties           Object
	ReceivedAt           time.Time
}

// Receipt is what the store hands back for each persisted event.
type Receipt struct {
	ID         uuid.UUID
	ReceivedAt time.Time
}

// Validation constraints
const (
	MaxBatchSize     = 100
	DefaultClockSkew = 5 * time.Minute
)
