package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/postureguard/internal/models"
)

type fakeDiscoverer struct {
	ports []models.PortRecord
	err   error
	block bool
	panic bool
	calls int
}

func (f *fakeDiscoverer) Name() string { return "fake" }

func (f *fakeDiscoverer) Discover(ctx context.Context, _ string, _ models.PortRange) ([]models.PortRecord, error) {
	f.calls++
	if f.panic {
		panic("boom")
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.ports, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var quick = models.PortRange{Start: 1, End: 1000}

func TestScanRealResult(t *testing.T) {
	t.Parallel()

	fake := &fakeDiscoverer{ports: []models.PortRecord{
		{Port: 443, State: models.PortStateOpen, Service: "https"},
		{Port: 23, Protocol: "tcp", State: models.PortStateOpen, Service: "telnet"},
		{Port: 25, State: models.PortStateClosed, Service: "smtp"},
		{Port: 5432, State: models.PortStateOpen, Service: "postgresql"},
	}}
	res := NewAdapter(fake, time.Second, quietLogger()).Scan(context.Background(), "10.0.0.5", quick)

	assert.False(t, res.Degraded())
	assert.Empty(t, res.Warning)
	require.Len(t, res.Ports, 2, "closed and out-of-range ports are dropped")
	assert.Equal(t, 23, res.Ports[0].Port)
	assert.Equal(t, 443, res.Ports[1].Port)
	for _, p := range res.Ports {
		assert.Equal(t, models.ProvenanceReal, p.Provenance)
		assert.Equal(t, "tcp", p.Protocol)
	}
}

func TestScanDegradesToSimulatedSet(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		discoverer Discoverer
		wantCause  error
	}{
		"no backend":  {discoverer: nil, wantCause: ErrCapabilityUnavailable},
		"unavailable": {discoverer: &fakeDiscoverer{err: ErrCapabilityUnavailable}, wantCause: ErrCapabilityUnavailable},
		"exec error":  {discoverer: &fakeDiscoverer{err: errors.New("exit status 1")}},
		"unreachable": {discoverer: &fakeDiscoverer{}, wantCause: ErrHostUnreachable},
		"panic":       {discoverer: &fakeDiscoverer{panic: true}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			res := NewAdapter(tt.discoverer, time.Second, quietLogger()).Scan(context.Background(), "10.0.0.5", quick)

			assert.True(t, res.Degraded())
			assert.Equal(t, SimulatedPorts(), res.Ports)
			assert.Contains(t, res.Warning, "simulated")
			require.Error(t, res.Cause)
			if tt.wantCause != nil {
				assert.ErrorIs(t, res.Cause, tt.wantCause)
			}
		})
	}
}

func TestScanExecutionErrorIsTyped(t *testing.T) {
	t.Parallel()

	res := NewAdapter(&fakeDiscoverer{err: errors.New("exit status 1")}, time.Second, quietLogger()).
		Scan(context.Background(), "10.0.0.5", quick)

	var execErr *ExecutionError
	require.ErrorAs(t, res.Cause, &execErr)
	assert.Equal(t, "fake", execErr.Backend)
}

func TestScanTimeoutDegrades(t *testing.T) {
	t.Parallel()

	fake := &fakeDiscoverer{block: true}
	start := time.Now()
	res := NewAdapter(fake, 20*time.Millisecond, quietLogger()).Scan(context.Background(), "10.0.0.5", quick)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, res.Degraded())
	assert.ErrorIs(t, res.Cause, context.DeadlineExceeded)
}

func TestScanInvalidRange(t *testing.T) {
	t.Parallel()

	fake := &fakeDiscoverer{}
	res := NewAdapter(fake, time.Second, quietLogger()).Scan(context.Background(), "10.0.0.5", models.PortRange{Start: 10, End: 1})
	assert.True(t, res.Degraded())
	assert.Zero(t, fake.calls)
}

func TestSimulatedPortsAreTagged(t *testing.T) {
	t.Parallel()

	ports := SimulatedPorts()
	require.Len(t, ports, 3)
	assert.Equal(t, []int{22, 80, 443}, []int{ports[0].Port, ports[1].Port, ports[2].Port})
	for _, p := range ports {
		assert.Equal(t, models.ProvenanceSimulated, p.Provenance)
		assert.True(t, p.IsOpen())
	}

	ports[0].Port = 9999
	assert.Equal(t, 22, SimulatedPorts()[0].Port, "each call returns a fresh slice")
}

func TestAdapterBackend(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "none", NewAdapter(nil, 0, nil).Backend())
	assert.Equal(t, "naabu", NewAdapter(NewNaabu(), 0, nil).Backend())
	assert.Equal(t, "nmap", NewAdapter(NewNmap("", nil), 0, nil).Backend())
}
