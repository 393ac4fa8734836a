package alerts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/tradeswarm/pkg/models"
)

func baseAlertInput() Input {
	return Input{
		NowMS:         1_700_000_000_000,
		AccountEquity: 100_000,
		RiskState: &models.RiskState{
			DailyEquityStart:        100_000,
			MaxPortfolioDrawdownPct: 10,
		},
		Thresholds: Thresholds{
			DrawdownWarnRatio: 0.7,
			DLQWarnThreshold:  5,
			DLQCritThreshold:  25,
			LLMAuthWindowMS:   900_000,
		},
	}
}

func findByRule(alerts []models.AlertEvent, ruleID string) *models.AlertEvent {
	for i := range alerts {
		if alerts[i].RuleID == ruleID {
			return &alerts[i]
		}
	}
	return nil
}

func TestEvaluateRules_QuietInputTriggersNothing(t *testing.T) {
	alerts := EvaluateRules(baseAlertInput())
	assert.Empty(t, alerts)
}

func TestEvaluateRules_DrawdownWarning(t *testing.T) {
	in := baseAlertInput()
	in.AccountEquity = 92_000 // 8% drawdown against a 10% limit, warn at 7%

	alerts := EvaluateRules(in)
	alert := findByRule(alerts, RulePortfolioDrawdown)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityWarning, alert.Severity)
	assert.Equal(t, "portfolio_drawdown:warning", alert.Fingerprint)
}

func TestEvaluateRules_DrawdownCritical(t *testing.T) {
	in := baseAlertInput()
	in.AccountEquity = 88_000 // 12% drawdown

	alerts := EvaluateRules(in)
	alert := findByRule(alerts, RulePortfolioDrawdown)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, "portfolio_drawdown:critical", alert.Fingerprint)
}

func TestEvaluateRules_DrawdownNeedsBaseline(t *testing.T) {
	in := baseAlertInput()
	in.RiskState.DailyEquityStart = 0
	in.AccountEquity = 1

	alerts := EvaluateRules(in)
	assert.Nil(t, findByRule(alerts, RulePortfolioDrawdown))
}

func TestEvaluateRules_KillSwitchFingerprint(t *testing.T) {
	in := baseAlertInput()
	in.RiskState.KillSwitchActive = true
	in.RiskState.KillSwitchReason = "Manual HALT: too risky!"

	alerts := EvaluateRules(in)
	alert := findByRule(alerts, RuleKillSwitchActive)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, "kill_switch_active:manual-halt-too-risky", alert.Fingerprint)
}

func TestEvaluateRules_KillSwitchSlugTruncated(t *testing.T) {
	in := baseAlertInput()
	in.RiskState.KillSwitchActive = true
	in.RiskState.KillSwitchReason = strings.Repeat("x", 200)

	alerts := EvaluateRules(in)
	alert := findByRule(alerts, RuleKillSwitchActive)
	require.NotNil(t, alert)
	slug := strings.TrimPrefix(alert.Fingerprint, "kill_switch_active:")
	assert.LessOrEqual(t, len(slug), 96)
}

func TestEvaluateRules_DeadLetterThresholds(t *testing.T) {
	t.Run("warning", func(t *testing.T) {
		in := baseAlertInput()
		in.DeadLetterCount = 7
		alert := findByRule(EvaluateRules(in), RuleSwarmDeadLetters)
		require.NotNil(t, alert)
		assert.Equal(t, models.SeverityWarning, alert.Severity)
	})

	t.Run("critical", func(t *testing.T) {
		in := baseAlertInput()
		in.DeadLetterCount = 30
		alert := findByRule(EvaluateRules(in), RuleSwarmDeadLetters)
		require.NotNil(t, alert)
		assert.Equal(t, models.SeverityCritical, alert.Severity)
	})
}

func TestEvaluateRules_LLMAuthWindow(t *testing.T) {
	in := baseAlertInput()
	in.LLMAuthFailureMS = in.NowMS - 60_000

	alert := findByRule(EvaluateRules(in), RuleLLMAuthFailure)
	require.NotNil(t, alert)
	assert.Equal(t, models.SeverityWarning, alert.Severity)

	// Outside the window the failure has aged out
	in.LLMAuthFailureMS = in.NowMS - 2_000_000
	assert.Nil(t, findByRule(EvaluateRules(in), RuleLLMAuthFailure))
}

func TestThresholds_Clamped(t *testing.T) {
	raw := Thresholds{
		DrawdownWarnRatio: 3.0,
		DLQWarnThreshold:  -1,
		DLQCritThreshold:  -5,
		LLMAuthWindowMS:   1,
	}
	clamped := raw.clamped()

	assert.Equal(t, 1.0, clamped.DrawdownWarnRatio)
	assert.Equal(t, 0, clamped.DLQWarnThreshold)
	assert.Equal(t, 0, clamped.DLQCritThreshold)
	assert.Equal(t, int64(60_000), clamped.LLMAuthWindowMS)

	low := Thresholds{DrawdownWarnRatio: 0.01}.clamped()
	assert.Equal(t, 0.1, low.DrawdownWarnRatio)
}
