package metrics

import (
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// Second call must be a no-op, not a duplicate-registration error.
	require.NoError(t, Register(reg))

	IncStart("lobby")
	IncStop("lobby")
	IncCrash("lobby")
	IncRestart("lobby")
	RecordStateTransition("lobby", "stopped", "starting")
	SetCurrentState("lobby", "running", true)
	SetRunningServers(1)
	ObserveReadyDuration("lobby", 4.2)
	IncFileJob("copy", "completed")
	SetFileJobsQueued(2)
	SetFileJobsRunning(1)
	IncBackup("full", "completed")
	AddBackupBytes(1024)
	SetBlobStats(3, 4096)

	fams, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(fams))
	for _, f := range fams {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"craftd_server_starts_total",
		"craftd_server_state_transitions_total",
		"craftd_server_running",
		"craftd_fileops_jobs_total",
		"craftd_backup_operations_total",
		"craftd_backup_blob_bytes",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}

func TestSampler_SampleOnce(t *testing.T) {
	self := os.Getpid()
	s := NewSampler(time.Second, func() map[string]int {
		return map[string]int{"lobby": self}
	})

	// Two samples so CPUPercent has a previous observation to diff against.
	s.SampleOnce()
	s.SampleOnce()

	s.mu.Lock()
	_, tracked := s.procs["lobby"]
	s.mu.Unlock()
	assert.True(t, tracked, "sampler should track the live pid")

	// Server disappears; its series and handle must be dropped.
	s.pids = func() map[string]int { return nil }
	s.SampleOnce()
	s.mu.Lock()
	assert.Empty(t, s.procs)
	s.mu.Unlock()
}

func TestSampler_StartStop(t *testing.T) {
	s := NewSampler(10*time.Millisecond, func() map[string]int { return nil })
	s.Start()
	s.Start() // second start is a no-op
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop() // second stop is a no-op
}

func TestSampler_History(t *testing.T) {
	self := os.Getpid()
	s := NewSampler(time.Second, func() map[string]int {
		return map[string]int{"lobby": self}
	})

	assert.Nil(t, s.History("lobby"))

	s.SampleOnce()
	s.SampleOnce()

	hist := s.History("lobby")
	require.Len(t, hist, 2)
	assert.Equal(t, self, hist[0].PID)
	assert.False(t, hist[1].TakenAt.Before(hist[0].TakenAt))

	latest := s.Latest()
	require.Contains(t, latest, "lobby")
	assert.Equal(t, hist[1].TakenAt, latest["lobby"].TakenAt)

	// History survives the process going away.
	s.pids = func() map[string]int { return nil }
	s.SampleOnce()
	assert.Len(t, s.History("lobby"), 2)
}

func TestSampleRing_Wraps(t *testing.T) {
	r := newSampleRing(3)
	for i := 1; i <= 5; i++ {
		r.push(Sample{PID: i})
	}
	snap := r.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, 3, snap[0].PID)
	assert.Equal(t, 5, snap[2].PID)
	last, ok := r.last()
	require.True(t, ok)
	assert.Equal(t, 5, last.PID)
}
