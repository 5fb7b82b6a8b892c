package readiness

import "testing"

func TestLogDetector_FlipsOnce(t *testing.T) {
	d, err := NewLogDetector(`Done \([0-9.,]+s?\)!`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if ok, _ := d.Ready(); ok {
		t.Fatalf("ready before any line")
	}
	if d.ObserveLine("[12:00:01] [Server thread/INFO]: Preparing spawn area") {
		t.Fatalf("non-matching line flipped detector")
	}
	if !d.ObserveLine(`[12:00:05] [Server thread/INFO]: Done (4.512s)! For help, type "help"`) {
		t.Fatalf("matching line did not flip detector")
	}
	if ok, _ := d.Ready(); !ok {
		t.Fatalf("not ready after match")
	}
	// Later matches must not report the flip again.
	if d.ObserveLine("Done (1.0s)!") {
		t.Fatalf("second match reported flip")
	}
}

func TestNewLogDetector_BadPattern(t *testing.T) {
	if _, err := NewLogDetector("("); err == nil {
		t.Fatalf("expected compile error")
	}
}
