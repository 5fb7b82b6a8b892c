package readiness

import (
	"net"
	"time"
)

// PortDetector reports readiness once the server accepts TCP connections.
type PortDetector struct {
	Addr    string
	Timeout time.Duration
}

func (d PortDetector) Ready() (bool, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	conn, err := net.DialTimeout("tcp", d.Addr, timeout)
	if err != nil {
		// Connection refused means not ready yet, not a hard failure.
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func (d PortDetector) Describe() string { return "port:" + d.Addr }
