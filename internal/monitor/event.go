package monitor

// Event types the monitor reacts to.
const (
	ValidationResultUpload = "VALIDATION_RESULT_UPLOAD"
	StoreFileUpload        = "STORE_FILE_UPLOAD"
)

// Event is the monitor invocation payload.
type Event struct {
	EventType string `json:"event_type"`
	S3Key     string `json:"s3_key"`
}
