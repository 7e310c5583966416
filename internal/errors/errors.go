// Package errors provides the coded error taxonomy shared by the pairroom host.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that produced the error (auth, room, ai, sandbox, storage, server)
//   - error: The specific failure within that domain
//
// Codes are stable and travel to clients inside "error" events and HTTP
// error bodies. The message next to a code is meant for humans.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes by domain.
const (
	// Auth domain - connection admission and credentials
	CodeAuthRequired  = "auth.required"   // No credential presented
	CodeAuthInvalid   = "auth.invalid"    // Malformed token, bad signature or bad password
	CodeAuthExpired   = "auth.expired"    // Token past its expiry
	CodeAuthRevoked   = "auth.revoked"    // Token was revoked by logout
	CodeAuthNotMember = "auth.not_member" // Subject is not a member of the project

	// Room domain - project identifiers presented at admission
	CodeRoomInvalid  = "room.invalid"   // Missing or malformed project id
	CodeRoomNotFound = "room.not_found" // Project id does not exist

	// AI domain - generation backend
	CodeAIBackendFailed = "ai.backend_failed" // Backend errored or timed out

	// Sandbox domain - orchestrator lifecycle failures
	CodeSandboxMissingManifest = "sandbox.missing_manifest" // No recognizable project manifest
	CodeSandboxMountFailed     = "sandbox.mount_failed"     // Files could not be materialized
	CodeSandboxBuildFailed     = "sandbox.build_failed"     // Install command exited non-zero
	CodeSandboxStartFailed     = "sandbox.start_failed"     // Start command exited before readiness
	CodeSandboxNotFound        = "sandbox.not_found"        // No session for the room

	// Storage domain - database and persistence errors
	CodeStorageNotFound      = "storage.not_found"
	CodeStorageAlreadyExists = "storage.already_exists"
	CodeStorageOpenFailed    = "storage.open_failed"
	CodeStorageQueryFailed   = "storage.query_failed"
	CodeStorageSaveFailed    = "storage.save_failed"

	// Server domain - WebSocket and HTTP transport
	CodeServerUpgradeFailed  = "server.upgrade_failed"
	CodeServerInvalidMessage = "server.invalid_message"
	CodeServerRateLimited    = "server.rate_limited"
	CodeServerForbidden      = "server.forbidden"

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"
	CodeInternal = "error.internal"
)

// CodedError wraps an error with a stable error code.
type CodedError struct {
	Code    string // Stable error code (e.g., "sandbox.build_failed")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// Domain returns the part of the code before the first dot.
func (e *CodedError) Domain() string {
	domain, _, _ := strings.Cut(e.Code, ".")
	return domain
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{Code: code, Message: message, Cause: cause}
}

// GetCode extracts the error code from an error, or CodeUnknown when the
// chain carries no CodedError.
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}
	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}
	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

func inDomain(err error, domain string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Domain() == domain
}

// IsAuthentication reports whether err is an AuthenticationError: a missing,
// invalid, expired or revoked credential, or a subject outside the project.
func IsAuthentication(err error) bool { return inDomain(err, "auth") }

// IsInvalidRoom reports whether err rejects the presented project id.
func IsInvalidRoom(err error) bool { return inDomain(err, "room") }

// IsSandbox reports whether err is one of the orchestrator failures.
func IsSandbox(err error) bool { return inDomain(err, "sandbox") }

// IsGeneration reports whether err came from the AI backend.
func IsGeneration(err error) bool { return inDomain(err, "ai") }

// AuthRequired creates an "auth.required" error.
func AuthRequired() *CodedError {
	return New(CodeAuthRequired, "authentication token required")
}

// AuthInvalid creates an "auth.invalid" error.
func AuthInvalid(cause error) *CodedError {
	return Wrap(CodeAuthInvalid, "invalid authentication token", cause)
}

// AuthExpired creates an "auth.expired" error.
func AuthExpired() *CodedError {
	return New(CodeAuthExpired, "authentication token expired")
}

// AuthRevoked creates an "auth.revoked" error.
func AuthRevoked() *CodedError {
	return New(CodeAuthRevoked, "authentication token has been revoked")
}

// NotMember creates an "auth.not_member" error.
func NotMember(projectID string) *CodedError {
	return New(CodeAuthNotMember, fmt.Sprintf("not a member of project %s", projectID))
}

// InvalidRoom creates a "room.invalid" error.
func InvalidRoom(reason string) *CodedError {
	return New(CodeRoomInvalid, fmt.Sprintf("invalid project id: %s", reason))
}

// RoomNotFound creates a "room.not_found" error.
func RoomNotFound(projectID string) *CodedError {
	return New(CodeRoomNotFound, fmt.Sprintf("project %s not found", projectID))
}

// GenerationFailed creates an "ai.backend_failed" error.
func GenerationFailed(cause error) *CodedError {
	return Wrap(CodeAIBackendFailed, "AI backend failed to generate a response", cause)
}

// MissingManifest creates a "sandbox.missing_manifest" error.
func MissingManifest(detail string) *CodedError {
	msg := "no recognizable project manifest in file tree"
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	return New(CodeSandboxMissingManifest, msg)
}

// MountFailed creates a "sandbox.mount_failed" error.
func MountFailed(path string, cause error) *CodedError {
	msg := "failed to mount file tree"
	if path != "" {
		msg = fmt.Sprintf("failed to mount %s", path)
	}
	return Wrap(CodeSandboxMountFailed, msg, cause)
}

// BuildFailed creates a "sandbox.build_failed" error carrying the install output.
func BuildFailed(exitCode int, output string) *CodedError {
	msg := fmt.Sprintf("install exited with code %d", exitCode)
	if output != "" {
		msg = fmt.Sprintf("%s:\n%s", msg, output)
	}
	return New(CodeSandboxBuildFailed, msg)
}

// StartFailed creates a "sandbox.start_failed" error.
func StartFailed(reason string, cause error) *CodedError {
	return Wrap(CodeSandboxStartFailed, fmt.Sprintf("start command failed: %s", reason), cause)
}

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// AlreadyExists creates a "storage.already_exists" error.
func AlreadyExists(resource string) *CodedError {
	return New(CodeStorageAlreadyExists, fmt.Sprintf("%s already exists", resource))
}

// InvalidMessage creates a "server.invalid_message" error.
func InvalidMessage(reason string) *CodedError {
	return New(CodeServerInvalidMessage, reason)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
