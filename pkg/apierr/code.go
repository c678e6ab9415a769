package apierr

// Code is a machine-readable error code returned in API responses.
type Code string

// Common errors.
const (
	CodeInvalidRequestBody Code = "INVALID_REQUEST_BODY"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
)

// Payload errors.
const (
	CodeInvalidPayload Code = "INVALID_PAYLOAD"
	CodeInvalidEvent   Code = "INVALID_EVENT"
	CodeInconsistent   Code = "RECORD_STORE_INCONSISTENT"
	CodeNotRecorded    Code = "NOT_RECORDED"
)

// Cleanup errors.
const (
	CodeCleanupRefused Code = "CLEANUP_REFUSED"
)

// Auth errors.
const (
	CodeMissingAuthToken Code = "MISSING_AUTH_TOKEN"
	CodeInvalidAuthToken Code = "INVALID_AUTH_TOKEN"
	CodeForbidden        Code = "FORBIDDEN"
)

// Health errors.
const (
	CodeRecordStoreNotReady Code = "RECORD_STORE_NOT_READY"
	CodeQueueNotReady       Code = "QUEUE_NOT_READY"
)
