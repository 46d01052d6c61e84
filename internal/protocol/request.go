package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action names understood by the daemon.
const (
	ActionCreateInstance      = "create_instance"
	ActionStartInstance       = "start_instance"
	ActionCreateStartInstance = "create_start_instance"
	ActionStopInstance        = "stop_instance"
	ActionHoldInstance        = "hold_instance"
	ActionDestroyInstance     = "destroy_instance"
	ActionDeploy              = "deploy"
	ActionWaitForAdb          = "wait_for_adb"
	ActionLogs                = "logs"
	ActionStatus              = "status"
	ActionDescribe            = "describe"
	ActionListInstances       = "list_instances"
	ActionPruneExpired        = "prune_expired"
	ActionPruneAll            = "prune_all"
)

// StartOptions tunes start_instance and create_start_instance.
type StartOptions struct {
	DisableWebRTC bool    `json:"disable_webrtc"`
	TimeoutSecs   *uint64 `json:"timeout_secs,omitempty"`
	VerifyBoot    bool    `json:"verify_boot"`
	SkipAdbWait   bool    `json:"skip_adb_wait"`
	Track         string  `json:"track,omitempty"`
}

// DestroyOptions tunes destroy_instance.
type DestroyOptions struct {
	TimeoutSecs *uint64 `json:"timeout_secs,omitempty"`
}

// LogsOptions tunes logs.
type LogsOptions struct {
	TimeoutSecs  *uint64 `json:"timeout_secs,omitempty"`
	StreamStdout bool    `json:"stream_stdout"`
	Previous     bool    `json:"previous,omitempty"`
}

// Request is a single client request. Which fields are meaningful depends on
// Action; Options holds the action-specific options object.
type Request struct {
	Action        string          `json:"action"`
	ID            InstanceID      `json:"id,omitempty"`
	Purpose       string          `json:"purpose,omitempty"`
	Options       json.RawMessage `json:"options,omitempty"`
	BootImage     string          `json:"boot_image,omitempty"`
	InitBootImage string          `json:"init_boot_image,omitempty"`
	TimeoutSecs   *uint64         `json:"timeout_secs,omitempty"`
	Lines         *int            `json:"lines,omitempty"`
	RunLogLines   *int            `json:"run_log_lines,omitempty"`
	MaxAgeSecs    *uint64         `json:"max_age_secs,omitempty"`
}

// MaxLogLines bounds the lines and run_log_lines fields.
const MaxLogLines = 10000

// ErrInvalidRequest is wrapped by every decode and validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// DecodeRequest parses and validates one request line.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Validate checks that the action is known and its required fields are set.
func (r Request) Validate() error {
	switch r.Action {
	case ActionCreateInstance, ActionCreateStartInstance, ActionListInstances, ActionPruneAll:
	case ActionStartInstance, ActionStopInstance, ActionHoldInstance, ActionDestroyInstance,
		ActionDeploy, ActionWaitForAdb, ActionLogs, ActionStatus, ActionDescribe:
		if r.ID == 0 {
			return fmt.Errorf("%w: %s requires an instance id", ErrInvalidRequest, r.Action)
		}
		if r.ID > MaxInstanceID {
			return fmt.Errorf("%w: instance id %d out of range 1-%d", ErrInvalidRequest, r.ID, MaxInstanceID)
		}
	case ActionPruneExpired:
		if r.MaxAgeSecs == nil {
			return fmt.Errorf("%w: prune_expired requires max_age_secs", ErrInvalidRequest)
		}
	case "":
		return fmt.Errorf("%w: missing action", ErrInvalidRequest)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, r.Action)
	}
	if err := checkLineCount("lines", r.Lines); err != nil {
		return err
	}
	return checkLineCount("run_log_lines", r.RunLogLines)
}

func checkLineCount(field string, n *int) error {
	if n == nil {
		return nil
	}
	if *n < 0 || *n > MaxLogLines {
		return fmt.Errorf("%w: %s must be between 0 and %d", ErrInvalidRequest, field, MaxLogLines)
	}
	return nil
}

// TargetID returns the instance the request operates on, if any.
func (r Request) TargetID() (InstanceID, bool) {
	if r.ID == 0 {
		return 0, false
	}
	return r.ID, true
}

// NeedsIDLock reports whether the request allocates a new instance id.
func (r Request) NeedsIDLock() bool {
	return r.Action == ActionCreateInstance || r.Action == ActionCreateStartInstance
}

// StartOptions decodes Options for start actions.
func (r Request) StartOptions() (StartOptions, error) {
	var o StartOptions
	return o, r.decodeOptions(&o)
}

// DestroyOptions decodes Options for destroy_instance.
func (r Request) DestroyOptions() (DestroyOptions, error) {
	var o DestroyOptions
	return o, r.decodeOptions(&o)
}

// LogsOptions decodes Options for logs.
func (r Request) LogsOptions() (LogsOptions, error) {
	var o LogsOptions
	return o, r.decodeOptions(&o)
}

func (r Request) decodeOptions(v any) error {
	if len(r.Options) == 0 || string(r.Options) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Options, v); err != nil {
		return fmt.Errorf("%w: options: %v", ErrInvalidRequest, err)
	}
	return nil
}

func withOptions(r Request, opts any) Request {
	b, err := json.Marshal(opts)
	if err == nil {
		r.Options = b
	}
	return r
}

// CreateInstance builds a create_instance request.
func CreateInstance(purpose string) Request {
	return Request{Action: ActionCreateInstance, Purpose: purpose}
}

// StartInstance builds a start_instance request.
func StartInstance(id InstanceID, opts StartOptions) Request {
	return withOptions(Request{Action: ActionStartInstance, ID: id}, opts)
}

// CreateStartInstance builds a create_start_instance request.
func CreateStartInstance(purpose string, opts StartOptions) Request {
	return withOptions(Request{Action: ActionCreateStartInstance, Purpose: purpose}, opts)
}

// StopInstance builds a stop_instance request.
func StopInstance(id InstanceID) Request {
	return Request{Action: ActionStopInstance, ID: id}
}

// HoldInstance builds a hold_instance request.
func HoldInstance(id InstanceID) Request {
	return Request{Action: ActionHoldInstance, ID: id}
}

// DestroyInstance builds a destroy_instance request.
func DestroyInstance(id InstanceID, opts DestroyOptions) Request {
	return withOptions(Request{Action: ActionDestroyInstance, ID: id}, opts)
}

// Deploy builds a deploy request.
func Deploy(id InstanceID, bootImage, initBootImage string) Request {
	return Request{Action: ActionDeploy, ID: id, BootImage: bootImage, InitBootImage: initBootImage}
}

// WaitForAdb builds a wait_for_adb request.
func WaitForAdb(id InstanceID, timeoutSecs *uint64) Request {
	return Request{Action: ActionWaitForAdb, ID: id, TimeoutSecs: timeoutSecs}
}

// Logs builds a logs request.
func Logs(id InstanceID, lines *int, opts LogsOptions) Request {
	return withOptions(Request{Action: ActionLogs, ID: id, Lines: lines}, opts)
}

// Status builds a status request.
func Status(id InstanceID) Request {
	return Request{Action: ActionStatus, ID: id}
}

// Describe builds a describe request.
func Describe(id InstanceID, runLogLines *int) Request {
	return Request{Action: ActionDescribe, ID: id, RunLogLines: runLogLines}
}

// ListInstances builds a list_instances request.
func ListInstances() Request {
	return Request{Action: ActionListInstances}
}

// PruneExpired builds a prune_expired request.
func PruneExpired(maxAgeSecs uint64) Request {
	return Request{Action: ActionPruneExpired, MaxAgeSecs: &maxAgeSecs}
}

// PruneAll builds a prune_all request.
func PruneAll() Request {
	return Request{Action: ActionPruneAll}
}
