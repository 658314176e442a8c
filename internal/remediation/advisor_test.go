package remediation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/postureguard/internal/models"
)

type fakeEngine struct {
	response string
	err      error
	prompt   string
}

func (f *fakeEngine) Complete(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.response, f.err
}

func (f *fakeEngine) CompleteJSON(context.Context, string, any) error {
	return errors.New("not used")
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var telnet = models.VulnerabilityRecord{Type: "Telnet exposure", Port: 23, Service: "telnet", Severity: models.SeverityHigh, Description: "clear text"}

func TestAdviseEmpty(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{response: "should not be used"}
	got, warning := New(engine, quiet()).Advise(context.Background(), nil)
	assert.Equal(t, NoActionMessage, got.Recommendations)
	assert.Empty(t, warning)
	assert.Empty(t, engine.prompt)
}

func TestAdviseUsesEngine(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{response: "1. Disable telnet"}
	got, warning := New(engine, quiet()).Advise(context.Background(), []models.VulnerabilityRecord{telnet})
	assert.Equal(t, "1. Disable telnet", got.Recommendations)
	assert.Empty(t, warning)
	assert.Contains(t, engine.prompt, "Telnet exposure on port 23")
}

func TestAdviseFallback(t *testing.T) {
	t.Parallel()

	vulns := []models.VulnerabilityRecord{telnet, {Type: "HTTP", Port: 8080, Severity: models.SeverityLow}}
	for name, engine := range map[string]*fakeEngine{
		"no engine": nil,
		"failure":   {err: errors.New("timeout")},
	} {
		adv := New(nil, quiet())
		if engine != nil {
			adv = New(engine, quiet())
		}
		got, warning := adv.Advise(context.Background(), vulns)

		assert.True(t, strings.HasPrefix(got.Recommendations, UnavailableMessage), name)
		assert.Contains(t, got.Recommendations, "Disable Telnet immediately", name)
		assert.Contains(t, got.Recommendations, "Port 8080", name)
		assert.NotEmpty(t, warning, name)
	}
}

type panickingEngine struct{}

func (panickingEngine) Complete(context.Context, string) (string, error) { panic("engine exploded") }

func (panickingEngine) CompleteJSON(context.Context, string, any) error { panic("engine exploded") }

func TestAdviseRecoversEnginePanic(t *testing.T) {
	t.Parallel()

	vulns := []models.VulnerabilityRecord{telnet}
	var (
		got     models.Remediation
		warning string
	)
	require.NotPanics(t, func() {
		got, warning = New(panickingEngine{}, quiet()).Advise(context.Background(), vulns)
	})
	assert.Equal(t, Fallback(vulns), got)
	assert.Contains(t, warning, "fallback")
	assert.Contains(t, warning, "engine exploded")
}

func TestFallbackDeterministic(t *testing.T) {
	t.Parallel()

	vulns := []models.VulnerabilityRecord{telnet, telnet}
	first := Fallback(vulns)
	assert.Equal(t, first, Fallback(vulns))
	assert.Equal(t, 1, strings.Count(first.Recommendations, "Port 23"))
}
