package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeTestPolicy(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "admission.rego"), []byte(body), 0o644))
	return dir
}

const testPolicy = `package llmgateway.admission

default decision := {
    "allow": false,
    "reason": "default deny"
}

decision := {
    "allow": true,
    "reason": "test environment allowed"
} {
    input.environment == "test"
}
`

func TestOPAEngine_EvaluatesCompiledPolicy(t *testing.T) {
	dir := writeTestPolicy(t, testPolicy)
	cfg := &Config{Enabled: true, Mode: ModeEnforce, Path: dir, FailClosed: false, Environment: "test"}

	engine, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, engine.IsEnabled())

	d, err := engine.Evaluate(context.Background(), &Input{TenantID: 1, Environment: "test"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestOPAEngine_FailClosedOnMissingPolicies(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Enabled: true, Mode: ModeEnforce, Path: dir, FailClosed: true}

	_, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestOPAEngine_DryRunAlwaysAllows(t *testing.T) {
	dir := writeTestPolicy(t, `package llmgateway.admission

decision := {"allow": false, "reason": "denied"}
`)
	cfg := &Config{Enabled: true, Mode: ModeDryRun, Path: dir, FailClosed: false}

	engine, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	d, err := engine.Evaluate(context.Background(), &Input{TenantID: 1})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Contains(t, d.Reason, "DRY-RUN")
}

func TestOPAEngine_DisabledReturnsDefaultDecision(t *testing.T) {
	cfg := &Config{Enabled: false, Mode: ModeOff}
	engine, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, engine.IsEnabled())

	d, err := engine.Evaluate(context.Background(), &Input{TenantID: 1})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}
