package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var (
	perfCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage of the server process since the previous sample.",
		}, []string{"server"},
	)
	perfRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the server process.",
		}, []string{"server"},
	)
	perfThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "threads",
			Help:      "Thread count of the server process.",
		}, []string{"server"},
	)
	perfFDs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftd",
			Subsystem: "server",
			Name:      "open_fds",
			Help:      "Open file descriptors of the server process.",
		}, []string{"server"},
	)
)

// PIDProvider reports the PID of every server with a live process.
type PIDProvider func() map[string]int

// Sample is one point-in-time reading of a server process.
type Sample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	Threads    int32     `json:"threads"`
	FDs        int32     `json:"fds,omitempty"`
	TakenAt    time.Time `json:"taken_at"`
}

// historySize bounds retained samples per server; an hour at the
// default interval.
const historySize = 360

// Sampler periodically samples per-server process stats via gopsutil
// and keeps a bounded history per server.
type Sampler struct {
	interval time.Duration
	pids     PIDProvider

	mu      sync.Mutex
	procs   map[string]*procHandle
	history map[string]*sampleRing
	stop    chan struct{}
	done    chan struct{}
}

type procHandle struct {
	pid  int
	proc *gopsproc.Process
}

func NewSampler(interval time.Duration, pids PIDProvider) *Sampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sampler{
		interval: interval,
		pids:     pids,
		procs:    make(map[string]*procHandle),
		history:  make(map[string]*sampleRing),
	}
}

func (s *Sampler) Start() {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.SampleOnce()
			case <-stop:
				return
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// SampleOnce samples every live server once.
func (s *Sampler) SampleOnce() {
	pids := s.pids()
	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop series for servers that are gone or have a new process.
	for id, h := range s.procs {
		if pid, ok := pids[id]; !ok || pid != h.pid {
			delete(s.procs, id)
			perfCPU.DeleteLabelValues(id)
			perfRSS.DeleteLabelValues(id)
			perfThreads.DeleteLabelValues(id)
			perfFDs.DeleteLabelValues(id)
		}
	}

	for id, pid := range pids {
		h := s.procs[id]
		if h == nil {
			p, err := gopsproc.NewProcess(int32(pid))
			if err != nil {
				continue
			}
			h = &procHandle{pid: pid, proc: p}
			s.procs[id] = h
		}
		sample := Sample{PID: pid, TakenAt: time.Now()}
		// CPUPercent measures usage since the previous call on the same handle.
		if v, err := h.proc.CPUPercent(); err == nil {
			perfCPU.WithLabelValues(id).Set(v)
			sample.CPUPercent = v
		}
		if mi, err := h.proc.MemoryInfo(); err == nil && mi != nil {
			perfRSS.WithLabelValues(id).Set(float64(mi.RSS))
			sample.MemoryRSS = mi.RSS
		}
		if n, err := h.proc.NumThreads(); err == nil {
			perfThreads.WithLabelValues(id).Set(float64(n))
			sample.Threads = n
		}
		// NumFDs is not available on every platform; skip silently.
		if n, err := h.proc.NumFDs(); err == nil {
			perfFDs.WithLabelValues(id).Set(float64(n))
			sample.FDs = n
		}
		r := s.history[id]
		if r == nil {
			r = newSampleRing(historySize)
			s.history[id] = r
		}
		r.push(sample)
	}
}

// History returns the retained samples for one server, oldest first.
// Samples survive process restarts; the ring is keyed by server id.
func (s *Sampler) History(id string) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.history[id]
	if r == nil {
		return nil
	}
	return r.snapshot()
}

// Latest returns the newest sample per server.
func (s *Sampler) Latest() map[string]Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Sample, len(s.history))
	for id, r := range s.history {
		if last, ok := r.last(); ok {
			out[id] = last
		}
	}
	return out
}

type sampleRing struct {
	buf   []Sample
	start int
	n     int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{buf: make([]Sample, capacity)}
}

func (r *sampleRing) push(s Sample) {
	i := (r.start + r.n) % len(r.buf)
	r.buf[i] = s
	if r.n < len(r.buf) {
		r.n++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

func (r *sampleRing) last() (Sample, bool) {
	if r.n == 0 {
		return Sample{}, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

func (r *sampleRing) snapshot() []Sample {
	out := make([]Sample, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
