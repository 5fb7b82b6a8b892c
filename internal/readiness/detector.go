package readiness

// Detector is a strategy that determines if a starting server has become
// ready to accept players. It must be safe for concurrent use.
type Detector interface {
	// Ready returns true once the server is detected as ready.
	Ready() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}
