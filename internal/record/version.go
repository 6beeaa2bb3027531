package record

// Version constants for the store schema and recorder.
const (
	// SchemaVersion is the persisted store layout version.
	SchemaVersion = "1"

	// RecorderVersion is the vicap release version.
	RecorderVersion = "0.3.0"
)
