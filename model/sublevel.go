package model

// DefaultSubLevelRadius is the load radius (metres) given to newly discovered sub-levels.
const DefaultSubLevelRadius = 1000.0

// SubLevel is a named region with its own georeference origin. It is matched
// against the streaming level names reported by the host.
type SubLevel struct {
	Name string

	// Origin of the region, degrees/degrees/metres.
	Longitude float64
	Latitude  float64
	Height    float64

	// LoadRadius is the straight-line ECEF distance (metres) inside which the
	// region becomes a load candidate.
	LoadRadius float64

	CurrentlyLoaded bool
}
