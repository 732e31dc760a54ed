package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// UncommittedChanges reports that a working tree has local modifications.
// It carries the changed files and the resolutions a caller may pick.
func UncommittedChanges(files []string) *AppError {
	return &AppError{
		Code:       ErrCodeUncommittedChanges,
		Message:    fmt.Sprintf("working tree has %d uncommitted change(s): %s", len(files), strings.Join(files, ", ")),
		HTTPStatus: http.StatusConflict,
		Details: map[string]interface{}{
			"files":       files,
			"resolutions": []string{"commit", "stash"},
		},
	}
}

// InvalidTransition reports an illegal loop status transition. This always
// indicates an ordering bug in the caller, never a user-recoverable state.
func InvalidTransition(from, to, context string) *AppError {
	msg := fmt.Sprintf("invalid transition from %q to %q", from, to)
	if context != "" {
		msg += ": " + context
	}
	return &AppError{
		Code:       ErrCodeInvalidTransition,
		Message:    msg,
		HTTPStatus: http.StatusConflict,
		Details: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	}
}

// NotConnected reports an agent operation attempted before connect.
func NotConnected(operation string) *AppError {
	return &AppError{
		Code:       ErrCodeNotConnected,
		Message:    fmt.Sprintf("agent connection is not established (operation: %s)", operation),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// ProcessExited reports an agent subprocess that died before or during use.
func ProcessExited(exitCode int, stderr string) *AppError {
	msg := fmt.Sprintf("agent process exited with code %d", exitCode)
	if stderr != "" {
		msg += ": " + stderr
	}
	return &AppError{
		Code:       ErrCodeProcessExited,
		Message:    msg,
		HTTPStatus: http.StatusBadGateway,
		Details: map[string]interface{}{
			"exit_code": exitCode,
			"stderr":    stderr,
		},
	}
}

// ConnectModeUnsupported reports a transport the client family cannot serve.
func ConnectModeUnsupported(transport, supported string) *AppError {
	return &AppError{
		Code:       ErrCodeConnectModeUnsupported,
		Message:    fmt.Sprintf("transport %q is not supported by this client; supported transports: %s", transport, supported),
		HTTPStatus: http.StatusBadRequest,
	}
}

// SpawnDisabled reports a spawn-mode request in a remote-only deployment.
func SpawnDisabled(what string) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnDisabled,
		Message:    fmt.Sprintf("%s is disabled in remote-only deployments", what),
		HTTPStatus: http.StatusForbidden,
	}
}

// AgentError wraps an iteration-level agent failure.
func AgentError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsInvalidTransition checks if the error is a state-machine violation.
func IsInvalidTransition(err error) bool {
	return hasCode(err, ErrCodeInvalidTransition)
}

// IsUncommittedChanges checks if the error reports a dirty working tree.
func IsUncommittedChanges(err error) bool {
	return hasCode(err, ErrCodeUncommittedChanges)
}

// IsNotConnected checks if the error reports a missing agent connection.
func IsNotConnected(err error) bool {
	return hasCode(err, ErrCodeNotConnected)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
