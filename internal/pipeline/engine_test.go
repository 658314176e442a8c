package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/postureguard/internal/models"
	"github.com/hitushen/postureguard/internal/realtime"
	"github.com/hitushen/postureguard/internal/remediation"
	"github.com/hitushen/postureguard/internal/risk"
	"github.com/hitushen/postureguard/internal/scanner"
	"github.com/hitushen/postureguard/internal/store"
	"github.com/hitushen/postureguard/internal/targets"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// recordingStore 记录每次更新写入的进度与状态。
type recordingStore struct {
	store.SessionStore
	mu      sync.Mutex
	updates []store.Patch
}

func (r *recordingStore) Update(ctx context.Context, id string, p store.Patch) error {
	err := r.SessionStore.Update(ctx, id, p)
	if err == nil {
		r.mu.Lock()
		r.updates = append(r.updates, p)
		r.mu.Unlock()
	}
	return err
}

func (r *recordingStore) progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, p := range r.updates {
		if p.Progress != nil {
			out = append(out, *p.Progress)
		}
	}
	return out
}

type portsDiscoverer struct {
	ports   []models.PortRecord
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (d *portsDiscoverer) Name() string { return "test" }

func (d *portsDiscoverer) Discover(ctx context.Context, _ string, _ models.PortRange) ([]models.PortRecord, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.ports, nil
}

func (d *portsDiscoverer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type failingEngine struct{}

func (failingEngine) Complete(context.Context, string) (string, error) {
	return "", errors.New("reasoning backend down")
}

func (failingEngine) CompleteJSON(context.Context, string, any) error {
	return errors.New("reasoning backend down")
}

type panickingEngine struct{}

func (panickingEngine) Complete(context.Context, string) (string, error) {
	panic("reasoning backend exploded")
}

func (panickingEngine) CompleteJSON(context.Context, string, any) error {
	panic("reasoning backend exploded")
}

type panickingAdvisor struct{}

func (panickingAdvisor) Advise(context.Context, []models.VulnerabilityRecord) (models.Remediation, string) {
	panic("advisor exploded")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(evt realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type memoryArchiver struct {
	mu      sync.Mutex
	reports map[string]string
}

func (a *memoryArchiver) Store(_ context.Context, id, report string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports[id] = report
	return "reports/" + id + ".md", nil
}

type harness struct {
	store     *recordingStore
	engine    *Engine
	publisher *recordingPublisher
}

func newHarness(t *testing.T, discoverer scanner.Discoverer, mutate func(*Dependencies), opts ...Option) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	validator, err := targets.NewValidator(targets.DefaultNetworks, nil)
	require.NoError(t, err)

	deps := Dependencies{
		Validator: validator,
		Scanner:   scanner.NewAdapter(discoverer, time.Minute, quiet()),
		Assessor:  risk.New(nil, quiet()),
		Advisor:   remediation.New(nil, quiet()),
	}
	if mutate != nil {
		mutate(&deps)
	}
	rec := &recordingStore{SessionStore: st}
	pub := &recordingPublisher{}
	opts = append([]Option{WithLogger(quiet()), WithClock(func() time.Time { return fixedNow }), WithPublisher(pub)}, opts...)
	return &harness{store: rec, engine: NewEngine(rec, deps, opts...), publisher: pub}
}

func (h *harness) create(t *testing.T, target string, profile models.Profile) string {
	t.Helper()
	sess := &models.Session{Target: target, Profile: profile}
	require.NoError(t, h.store.Create(context.Background(), sess))
	return sess.ID
}

func assertMonotonic(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress went backwards: %v", values)
	}
}

func TestScenarioCapabilityUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	id := h.create(t, "10.0.0.5", models.ProfileQuick)

	sess, err := h.engine.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, sess.Status)
	assert.Equal(t, 100, sess.Progress)
	assert.Equal(t, StepDone, sess.CurrentStep)
	assert.Equal(t, scanner.SimulatedPorts(), sess.Ports)

	require.Len(t, sess.Vulnerabilities, 1)
	assert.Equal(t, "SSH exposure", sess.Vulnerabilities[0].Type)
	assert.Equal(t, models.SeverityLow, sess.Vulnerabilities[0].Severity)

	require.NotNil(t, sess.Risk)
	assert.Equal(t, risk.Baseline(sess.Vulnerabilities), *sess.Risk)
	require.NotNil(t, sess.Remediation)
	assert.Contains(t, sess.Error, "simulated")
	assert.Contains(t, sess.Report, "SIMULATED")
	assert.Contains(t, sess.Report, "2026-03-01T12:00:00Z")
	assert.NotNil(t, sess.CompletedAt)

	progress := h.store.progress()
	assertMonotonic(t, progress)
	assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 98, 100}, progress)
}

func TestScenarioTargetNotAllowed(t *testing.T) {
	t.Parallel()

	disc := &portsDiscoverer{ports: []models.PortRecord{{Port: 23, State: models.PortStateOpen}}}
	h := newHarness(t, disc, nil)
	id := h.create(t, "8.8.8.8", models.ProfileQuick)

	sess, err := h.engine.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "8.8.8.8")
	assert.Contains(t, sess.Error, "rejected")
	assert.Zero(t, disc.Calls(), "no scan may be attempted")
	assert.Nil(t, sess.Ports)
	assert.Nil(t, sess.Vulnerabilities)
	assert.Nil(t, sess.Risk)
	assert.Less(t, sess.Progress, 100)
	assert.NotContains(t, h.store.progress(), 100)
	assert.Contains(t, h.publisher.types(), realtime.EventFailed)
}

func TestScenarioTelnetOpen(t *testing.T) {
	t.Parallel()

	disc := &portsDiscoverer{ports: []models.PortRecord{
		{Port: 80, Protocol: "tcp", State: models.PortStateOpen, Service: "http"},
		{Port: 23, Protocol: "tcp", State: models.PortStateOpen, Service: "telnet"},
	}}
	h := newHarness(t, disc, nil)
	id := h.create(t, "192.168.1.20", models.ProfileQuick)

	sess, err := h.engine.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, sess.Status)

	assert.NotContains(t, sess.Error, "simulated")
	for _, p := range sess.Ports {
		assert.Equal(t, models.ProvenanceReal, p.Provenance)
	}
	require.Len(t, sess.Vulnerabilities, 1)
	v := sess.Vulnerabilities[0]
	assert.Equal(t, "Telnet exposure", v.Type)
	assert.Equal(t, models.SeverityHigh, v.Severity)
	assert.Equal(t, 23, v.Port)
	assert.Equal(t, models.SeverityHigh, sess.Risk.Level)
	assert.NotContains(t, sess.Report, "SIMULATED")
}

func TestScenarioReasoningFailure(t *testing.T) {
	t.Parallel()

	disc := &portsDiscoverer{ports: []models.PortRecord{
		{Port: 21, Protocol: "tcp", State: models.PortStateOpen, Service: "ftp"},
		{Port: 3306, Protocol: "tcp", State: models.PortStateOpen, Service: "mysql"},
	}}
	h := newHarness(t, disc, func(d *Dependencies) {
		d.Assessor = risk.New(failingEngine{}, quiet())
		d.Advisor = remediation.New(failingEngine{}, quiet())
	})
	id := h.create(t, "10.1.2.3", models.ProfileStandard)

	sess, err := h.engine.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, sess.Status)
	require.NotNil(t, sess.Risk)
	assert.Equal(t, models.SeverityHigh, sess.Risk.Level)
	assert.Equal(t, 70, sess.Risk.Score)
	assert.Contains(t, sess.Error, "baseline")
	assert.Contains(t, sess.Error, "fallback")
	assert.Contains(t, sess.Remediation.Recommendations, remediation.UnavailableMessage)
}

func TestReasoningEnginePanicDegrades(t *testing.T) {
	t.Parallel()

	disc := &portsDiscoverer{ports: []models.PortRecord{
		{Port: 23, Protocol: "tcp", State: models.PortStateOpen, Service: "telnet"},
	}}
	h := newHarness(t, disc, func(d *Dependencies) {
		d.Assessor = risk.New(panickingEngine{}, quiet())
		d.Advisor = remediation.New(panickingEngine{}, quiet())
	})
	id := h.create(t, "10.0.0.5", models.ProfileQuick)

	sess, err := h.engine.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, sess.Status)
	assert.Equal(t, 100, sess.Progress)
	require.NotNil(t, sess.Risk)
	assert.Equal(t, models.SeverityHigh, sess.Risk.Level)
	assert.Equal(t, 70, sess.Risk.Score)
	assert.Contains(t, sess.Error, "baseline")
	assert.Contains(t, sess.Error, "fallback")
	assert.Contains(t, sess.Error, "reasoning backend exploded")
	assert.Contains(t, sess.Remediation.Recommendations, remediation.UnavailableMessage)
	assert.NotEmpty(t, sess.Report)
}

func TestMalformedPortIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, func(d *Dependencies) {
		d.Scanner = staticScanner{ports: []models.PortRecord{{Port: 0, State: models.PortStateOpen}}}
	})
	id := h.create(t, "10.0.0.5", models.ProfileQuick)

	sess, err := h.engine.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "contract violation")
	assert.Nil(t, sess.Vulnerabilities)
}

type staticScanner struct{ ports []models.PortRecord }

func (s staticScanner) Scan(context.Context, string, models.PortRange) scanner.Result {
	return scanner.Result{Ports: s.ports, Provenance: models.ProvenanceReal}
}

func TestStagePanicIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, func(d *Dependencies) { d.Advisor = panickingAdvisor{} })
	id := h.create(t, "10.0.0.5", models.ProfileQuick)

	sess, err := h.engine.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "advisor exploded")
	assert.Empty(t, sess.Report)
	assertMonotonic(t, h.store.progress())
	assert.NotContains(t, h.store.progress(), 100)
}

func TestCancelledRunSettlesFailed(t *testing.T) {
	t.Parallel()

	disc := &portsDiscoverer{release: make(chan struct{})}
	h := newHarness(t, disc, nil)
	id := h.create(t, "10.0.0.5", models.ProfileQuick)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan *models.Session, 1)
	go func() {
		sess, err := h.engine.Run(ctx, id)
		assert.NoError(t, err)
		done <- sess
	}()

	require.Eventually(t, func() bool { return disc.Calls() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel(ErrCancelled)

	select {
	case sess := <-done:
		require.NotNil(t, sess)
		assert.Equal(t, models.StatusFailed, sess.Status)
		assert.Equal(t, "cancelled: cancelled by request", sess.Error)
		assert.Less(t, sess.Progress, 100)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not settle after cancellation")
	}
}

func TestAlreadyCancelledContextStillSettles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	id := h.create(t, "10.0.0.5", models.ProfileQuick)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess, err := h.engine.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "cancelled")
}

func TestRunRejectsNonPendingSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	id := h.create(t, "10.0.0.5", models.ProfileQuick)

	_, err := h.engine.Run(context.Background(), id)
	require.NoError(t, err)

	_, err = h.engine.Run(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotRunnable)

	_, err = h.engine.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotRunnable)
}

func TestCompletedRunIsArchivedAndPublished(t *testing.T) {
	t.Parallel()

	arch := &memoryArchiver{reports: map[string]string{}}
	h := newHarness(t, nil, nil, WithArchiver(arch))
	id := h.create(t, "10.0.0.5", models.ProfileQuick)

	sess, err := h.engine.Run(context.Background(), id)
	require.NoError(t, err)

	arch.mu.Lock()
	assert.Equal(t, sess.Report, arch.reports[id])
	arch.mu.Unlock()

	types := h.publisher.types()
	require.NotEmpty(t, types)
	assert.Equal(t, realtime.EventCompleted, types[len(types)-1])
	assert.Contains(t, types, realtime.EventProgress)
}

func TestReportIsReproducible(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	first, err := h.engine.Run(context.Background(), h.create(t, "10.0.0.5", models.ProfileQuick))
	require.NoError(t, err)
	second, err := h.engine.Run(context.Background(), h.create(t, "10.0.0.5", models.ProfileQuick))
	require.NoError(t, err)

	assert.Equal(t, first.Ports, second.Ports)
	assert.Equal(t, first.Vulnerabilities, second.Vulnerabilities)
	assert.Equal(t, first.Risk, second.Risk)
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "success", Success().Outcome.String())
	assert.Equal(t, "degraded", Degraded("w").Outcome.String())
	assert.Equal(t, "fatal", Fatal(errors.New("x")).Outcome.String())
}
