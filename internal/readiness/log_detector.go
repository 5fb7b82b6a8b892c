package readiness

import (
	"regexp"
	"sync/atomic"
)

// LogDetector flips to ready once any console line matches its pattern.
type LogDetector struct {
	re   *regexp.Regexp
	seen atomic.Bool
}

func NewLogDetector(pattern string) (*LogDetector, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &LogDetector{re: re}, nil
}

// ObserveLine feeds one console line. It returns true only for the line
// that flips the detector to ready.
func (d *LogDetector) ObserveLine(line string) bool {
	if d.seen.Load() {
		return false
	}
	if !d.re.MatchString(line) {
		return false
	}
	return d.seen.CompareAndSwap(false, true)
}

func (d *LogDetector) Ready() (bool, error) { return d.seen.Load(), nil }

func (d *LogDetector) Describe() string { return "log:" + d.re.String() }
