package ir

// Version constants for the IR schema and engine.
const (
	// IRVersion is the IR schema version. It is stored with every snapshot.
	IRVersion = "1"

	// EngineVersion is the hybridsim engine version.
	EngineVersion = "0.1.0"
)
