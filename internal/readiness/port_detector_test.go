package readiness

import (
	"net"
	"testing"
	"time"
)

func TestPortDetector(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	d := PortDetector{Addr: addr, Timeout: 500 * time.Millisecond}
	if ok, err := d.Ready(); err != nil || !ok {
		t.Fatalf("open port: ready=%v err=%v", ok, err)
	}

	_ = ln.Close()
	if ok, _ := d.Ready(); ok {
		t.Fatalf("closed port reported ready")
	}
}
