package lifecycle

import (
	"errors"
	"fmt"

	"github.com/xfeldman/cfctl/internal/protocol"
	"github.com/xfeldman/cfctl/internal/store"
)

// Error codes returned in protocol.ErrorDetail.
const (
	CodeInstanceNotFound = "instance_not_found"
	CodeMetadataInvalid  = "metadata_invalid"
	CodeRequestInvalid   = "request_invalid"

	CodeCreateFailed      = "create_instance_failed"
	CodeCreateExhausted   = "create_instance_exhausted"
	CodeCreateStartCreate = "create_start_create_failed"

	CodeStartInvalidOptions  = "start_instance_invalid_options"
	CodeStartAlreadyRunning  = "start_instance_already_running"
	CodeStartMetadata        = "start_instance_metadata"
	CodeStartWriteMetadata   = "start_instance_write_metadata"
	CodeStartWriteEnv        = "start_instance_write_env"
	CodeStartPreflight       = "start_instance_preflight"
	CodeStartPrepareDirs     = "start_instance_prepare_dirs"
	CodeStartEnsureQemu      = "start_instance_ensure_qemu"
	CodeStartPrepareLog      = "start_instance_prepare_log"
	CodeStartSpawnFailed     = "start_instance_spawn_failed"
	CodeWaitForAdbMetadata   = "wait_for_adb_metadata"
	CodeWaitForAdbHandleLost = "wait_for_adb_handle_lost"
	CodeWaitForAdbGuestExit  = "wait_for_adb_guest_exit"
	CodeWaitForAdbTimeout    = "wait_for_adb_timeout"
	CodeWaitForAdbWrite      = "wait_for_adb_write_metadata"
	CodeVerifyBootAdbFailed  = "verify_boot_adb_failed"
	CodeVerifyBootMarker     = "verify_boot_marker_missing"

	CodeStopFailed = "stop_failed"
	CodeHoldFailed = "hold_failed"

	CodeDestroyPrepareFailed = "destroy_prepare_failed"
	CodeDestroyTimeout       = "destroy_timeout"
	CodeDestroyCleanupFailed = "destroy_cleanup_failed"
	CodeDestroyIncomplete    = "destroy_incomplete"

	CodeDeployInvalidRequest = "deploy_invalid_request"
	CodeDeployFailed         = "deploy_failed"

	CodeLogsTimeout     = "logs_timeout"
	CodeLogsFetchFailed = "logs_fetch_failed"

	CodeStatusFailed   = "status_failed"
	CodeDescribeFailed = "describe_failed"
	CodeListFailed     = "list_failed"
	CodePruneFailed    = "prune_failed"
)

// Error is an operation failure carrying a machine readable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Detail converts e to its wire form.
func (e *Error) Detail() *protocol.ErrorDetail {
	return &protocol.ErrorDetail{Code: e.Code, Message: e.Message}
}

func errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrap(code string, err error) *Error {
	return &Error{Code: code, Message: err.Error()}
}

// metadataError maps store sentinels to their codes, falling back to code.
func metadataError(code string, err error) *Error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return wrap(CodeInstanceNotFound, err)
	case errors.Is(err, store.ErrInvalidMetadata):
		return wrap(CodeMetadataInvalid, err)
	}
	return wrap(code, err)
}

// AsError extracts an *Error from err, wrapping foreign errors as code.
func AsError(code string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return wrap(code, err)
}
