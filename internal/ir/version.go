package ir

const (
	// SpecVersion is the capsule format version written into manifests.
	SpecVersion = "1.0.0"

	// EngineVersion is the Reach engine version.
	EngineVersion = "0.3.0"
)
