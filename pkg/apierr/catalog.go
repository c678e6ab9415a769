package apierr

import "net/http"

// --- Common ---

func InvalidRequestBody() *Error {
	return New(CodeInvalidRequestBody, http.StatusBadRequest, "Invalid request body")
}

func InternalError(cause error) *Error {
	return Wrap(CodeInternalError, http.StatusInternalServerError, "Internal server error", cause)
}

func NotFound(what string) *Error {
	return New(CodeNotFound, http.StatusNotFound, what+" not found")
}

// --- Payloads ---

func InvalidPayload(cause error) *Error {
	return Wrap(CodeInvalidPayload, http.StatusBadRequest, cause.Error(), cause)
}

func InvalidEvent(cause error) *Error {
	return Wrap(CodeInvalidEvent, http.StatusBadRequest, cause.Error(), cause)
}

func Inconsistent(cause error) *Error {
	return Wrap(CodeInconsistent, http.StatusConflict, cause.Error(), cause)
}

func NotRecorded(cause error) *Error {
	return Wrap(CodeNotRecorded, http.StatusConflict, cause.Error(), cause)
}

// --- Cleanup ---

// CleanupRefused lists the staged files that kept a submission from being
// cleaned up.
func CleanupRefused(reason string, files []string) *Error {
	return New(CodeCleanupRefused, http.StatusConflict, reason).WithDetails(map[string]any{
		"reason":  reason,
		"payload": files,
	})
}

// --- Auth ---

func MissingAuthToken() *Error {
	return New(CodeMissingAuthToken, http.StatusUnauthorized, "Missing bearer token")
}

func InvalidAuthToken() *Error {
	return New(CodeInvalidAuthToken, http.StatusUnauthorized, "Invalid or expired token")
}

func Forbidden() *Error {
	return New(CodeForbidden, http.StatusForbidden, "Insufficient role")
}

// --- Health ---

func RecordStoreNotReady(cause error) *Error {
	return Wrap(CodeRecordStoreNotReady, http.StatusServiceUnavailable, "Record store not ready", cause)
}

func QueueNotReady(cause error) *Error {
	return Wrap(CodeQueueNotReady, http.StatusServiceUnavailable, "Queue not ready", cause)
}
