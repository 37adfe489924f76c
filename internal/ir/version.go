package ir

// Version constants for persisted records and the engine.
const (
	// RecordVersion is the version of the persisted record layout.
	RecordVersion = "1"

	// EngineVersion is the truth layer engine version.
	EngineVersion = "0.1.0"
)
