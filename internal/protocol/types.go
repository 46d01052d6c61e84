// Package protocol defines the line-delimited JSON messages exchanged between
// cfctl clients and the cfctld daemon.
package protocol

import "fmt"

// InstanceID identifies a guest slot. Valid ids are 1..MaxInstanceID.
type InstanceID uint32

// MaxInstanceID is the highest allocatable instance id.
const MaxInstanceID InstanceID = 99

func (id InstanceID) String() string { return fmt.Sprintf("%d", uint32(id)) }

// InstanceState is the persisted lifecycle state of an instance.
type InstanceState string

const (
	StateUnknown   InstanceState = "unknown"
	StateCreated   InstanceState = "created"
	StateStarting  InstanceState = "starting"
	StateRunning   InstanceState = "running"
	StateStopped   InstanceState = "stopped"
	StateFailed    InstanceState = "failed"
	StateDestroyed InstanceState = "destroyed"
)

// AdbInfo is the device-bridge endpoint of an instance.
type AdbInfo struct {
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
	Serial string `json:"serial"`
}

// InstanceSummary is the short view of an instance returned by most actions.
// Adb is nil once the instance has been destroyed.
type InstanceSummary struct {
	ID    InstanceID    `json:"id"`
	Adb   *AdbInfo      `json:"adb"`
	State InstanceState `json:"state"`
}

// CreateInstanceResponse is returned by create_instance.
type CreateInstanceResponse struct {
	Summary InstanceSummary `json:"summary"`
}

// BootVerificationResult reports the outcome of a verify_boot pass.
type BootVerificationResult struct {
	AdbReady           bool   `json:"adb_ready"`
	BootMarkerObserved bool   `json:"boot_marker_observed"`
	FailureReason      string `json:"failure_reason,omitempty"`
}

// CleanupSummary reports what the host cleanup pipeline achieved.
type CleanupSummary struct {
	GuestProcessesKilled bool     `json:"guest_processes_killed"`
	RemainingPIDs        []int    `json:"remaining_pids,omitempty"`
	Steps                []string `json:"steps,omitempty"`
}

// Event is a single entry of an instance's lifecycle history.
type Event struct {
	At      int64  `json:"at"`
	Kind    string `json:"kind"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

// InstanceDetails carries the extended view returned by describe.
type InstanceDetails struct {
	Purpose        string  `json:"purpose,omitempty"`
	Held           bool    `json:"held"`
	BootImage      string  `json:"boot_image"`
	InitBootImage  string  `json:"init_boot_image"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
	ConsoleLogPath string  `json:"console_log_path"`
	RunLogPath     string  `json:"run_log_path"`
	GuestPID       int     `json:"guest_pid,omitempty"`
	RunLogTail     string  `json:"run_log_tail,omitempty"`
	Events         []Event `json:"events,omitempty"`
}

// InstanceActionResponse is returned by actions operating on one instance.
type InstanceActionResponse struct {
	Summary      InstanceSummary         `json:"summary"`
	JournalTail  string                  `json:"journal_tail,omitempty"`
	Verification *BootVerificationResult `json:"verification,omitempty"`
	Cleanup      *CleanupSummary         `json:"cleanup,omitempty"`
	Details      *InstanceDetails        `json:"details,omitempty"`
}

// LogsResponse is returned by logs.
type LogsResponse struct {
	Journal        *string `json:"journal,omitempty"`
	ConsoleLogPath string  `json:"console_log_path,omitempty"`
}

// ErrorDetail is a structured failure.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Response is the single reply envelope for every request.
type Response struct {
	OK        bool                    `json:"ok"`
	Message   string                  `json:"message,omitempty"`
	Create    *CreateInstanceResponse `json:"create,omitempty"`
	Action    *InstanceActionResponse `json:"action,omitempty"`
	Logs      *LogsResponse           `json:"logs,omitempty"`
	Instances []InstanceSummary       `json:"instances,omitempty"`
	Error     *ErrorDetail            `json:"error,omitempty"`
}

// OK returns a successful response carrying only a message.
func OK(message string) Response {
	return Response{OK: true, Message: message}
}

// Fail returns a failed response with a structured error.
func Fail(code, message string) Response {
	return Response{OK: false, Error: &ErrorDetail{Code: code, Message: message}}
}

// ErrorMessage renders the failure in a single line, or "" for success.
func (r Response) ErrorMessage() string {
	if r.OK || r.Error == nil {
		return ""
	}
	if r.Error.Message == "" {
		return r.Error.Code
	}
	return r.Error.Code + ": " + r.Error.Message
}
