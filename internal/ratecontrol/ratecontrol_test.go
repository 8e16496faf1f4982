package ratecontrol

import (
	"testing"

	"github.com/llmgatewayd/llmgatewayd/internal/provider"
)

func TestDelayForLimit(t *testing.T) {
	limit := RateLimit{RPM: 30, TPM: 60000}
	d := DelayForLimit(limit, 1000)
	if d.Milliseconds() <= 0 {
		t.Fatalf("expected positive delay, got %v", d)
	}
}

func TestDelayForLimit_Unbounded(t *testing.T) {
	if d := DelayForLimit(RateLimit{}, 1000); d != 0 {
		t.Fatalf("expected no delay for an unbounded limit, got %v", d)
	}
}

func TestCombineLimits(t *testing.T) {
	a := RateLimit{RPM: 30, TPM: 50000}
	b := RateLimit{RPM: 20, TPM: 100000}
	combined := CombineLimits(a, b)
	if combined.RPM != 20 {
		t.Fatalf("expected RPM 20, got %d", combined.RPM)
	}
	if combined.TPM != 50000 {
		t.Fatalf("expected TPM 50000, got %d", combined.TPM)
	}
}

func TestLimitForProvider_BuiltIns(t *testing.T) {
	for _, name := range []provider.Name{provider.OpenAI, provider.Anthropic, provider.Google} {
		limit := LimitForProvider(string(name))
		if limit.RPM <= 0 || limit.TPM <= 0 {
			t.Fatalf("expected a built-in ceiling for %s, got %+v", name, limit)
		}
	}
}

func TestLimitForProvider_Unknown(t *testing.T) {
	if limit := LimitForProvider("some-unlisted-provider"); limit.RPM != 0 || limit.TPM != 0 {
		t.Fatalf("expected zero-value ceiling for an unlisted provider, got %+v", limit)
	}
}
