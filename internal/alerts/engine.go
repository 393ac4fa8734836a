package alerts

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/selivandex/tradeswarm/internal/adapters/ai"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Rule identifiers
const (
	RulePortfolioDrawdown = "portfolio_drawdown"
	RuleKillSwitchActive  = "kill_switch_active"
	RuleSwarmDeadLetters  = "swarm_dead_letter_queue"
	RuleLLMAuthFailure    = "llm_auth_failure"
)

// Thresholds tune rule evaluation. Values outside their valid range are
// clamped, never rejected.
type Thresholds struct {
	DrawdownWarnRatio float64 // fraction of the drawdown limit that warns, [0.1, 1]
	DLQWarnThreshold  int
	DLQCritThreshold  int
	LLMAuthWindowMS   int64 // minimum 60s
}

// clamped returns a copy with every field forced into its valid range
func (t Thresholds) clamped() Thresholds {
	if t.DrawdownWarnRatio < 0.1 {
		t.DrawdownWarnRatio = 0.1
	}
	if t.DrawdownWarnRatio > 1 {
		t.DrawdownWarnRatio = 1
	}
	if t.DLQWarnThreshold < 0 {
		t.DLQWarnThreshold = 0
	}
	if t.DLQCritThreshold < 0 {
		t.DLQCritThreshold = 0
	}
	if t.LLMAuthWindowMS < 60_000 {
		t.LLMAuthWindowMS = 60_000
	}
	return t
}

// Input is everything one evaluation pass reads; EvaluateRules is a pure
// function of this value
type Input struct {
	NowMS            int64
	AccountEquity    float64
	RiskState        *models.RiskState
	DeadLetterCount  int
	LLMHealth        *ai.Health
	LLMAuthFailureMS int64 // timestamp of the last UNAUTHORIZED from the LLM, 0 if none
	Thresholds       Thresholds
}

// EvaluateRules runs every rule and returns the triggered alerts
func EvaluateRules(in Input) []models.AlertEvent {
	thresholds := in.Thresholds.clamped()
	alerts := make([]models.AlertEvent, 0)

	if alert := evalPortfolioDrawdown(in, thresholds); alert != nil {
		alerts = append(alerts, *alert)
	}
	if alert := evalKillSwitch(in); alert != nil {
		alerts = append(alerts, *alert)
	}
	if alert := evalDeadLetters(in, thresholds); alert != nil {
		alerts = append(alerts, *alert)
	}
	if alert := evalLLMAuth(in, thresholds); alert != nil {
		alerts = append(alerts, *alert)
	}

	return alerts
}

func newAlert(ruleID string, severity models.AlertSeverity, nowMS int64, title, message, fingerprint string, details map[string]any) *models.AlertEvent {
	return &models.AlertEvent{
		ID:           fmt.Sprintf("%s:%d:%s", ruleID, nowMS, severity),
		RuleID:       ruleID,
		Severity:     severity,
		Title:        title,
		Message:      message,
		Fingerprint:  fingerprint,
		OccurredAtMS: nowMS,
		Details:      details,
	}
}

func evalPortfolioDrawdown(in Input, thresholds Thresholds) *models.AlertEvent {
	if in.RiskState == nil {
		return nil
	}
	baseline := in.RiskState.DailyEquityStart
	if baseline <= 0 {
		return nil
	}

	drawdownPct := (baseline - in.AccountEquity) / baseline
	if drawdownPct < 0 {
		drawdownPct = 0
	}
	limit := in.RiskState.MaxPortfolioDrawdownPct / 100
	if limit <= 0 {
		return nil
	}

	details := map[string]any{
		"drawdown_pct": drawdownPct,
		"limit":        limit,
		"baseline":     baseline,
		"equity":       in.AccountEquity,
	}

	switch {
	case drawdownPct >= limit:
		return newAlert(RulePortfolioDrawdown, models.SeverityCritical, in.NowMS,
			"Portfolio drawdown limit breached",
			fmt.Sprintf("drawdown %.2f%% breached the %.2f%% limit", drawdownPct*100, limit*100),
			RulePortfolioDrawdown+":critical", details)
	case drawdownPct >= thresholds.DrawdownWarnRatio*limit:
		return newAlert(RulePortfolioDrawdown, models.SeverityWarning, in.NowMS,
			"Portfolio drawdown approaching limit",
			fmt.Sprintf("drawdown %.2f%% is within %.0f%% of the limit", drawdownPct*100, thresholds.DrawdownWarnRatio*100),
			RulePortfolioDrawdown+":warning", details)
	}
	return nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// reasonSlug normalizes a kill switch reason into a fingerprint component
func reasonSlug(reason string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(reason), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 96 {
		slug = slug[:96]
	}
	return slug
}

func evalKillSwitch(in Input) *models.AlertEvent {
	if in.RiskState == nil || !in.RiskState.KillSwitchActive {
		return nil
	}
	return newAlert(RuleKillSwitchActive, models.SeverityCritical, in.NowMS,
		"Kill switch is active",
		fmt.Sprintf("trading halted: %s", in.RiskState.KillSwitchReason),
		RuleKillSwitchActive+":"+reasonSlug(in.RiskState.KillSwitchReason),
		map[string]any{
			"reason":        in.RiskState.KillSwitchReason,
			"engaged_at_ms": in.RiskState.KillSwitchAtMS,
		})
}

func evalDeadLetters(in Input, thresholds Thresholds) *models.AlertEvent {
	details := map[string]any{"dead_letter_count": in.DeadLetterCount}

	switch {
	case thresholds.DLQCritThreshold > 0 && in.DeadLetterCount >= thresholds.DLQCritThreshold:
		return newAlert(RuleSwarmDeadLetters, models.SeverityCritical, in.NowMS,
			"Swarm dead letter queue is critical",
			fmt.Sprintf("%d messages dead lettered", in.DeadLetterCount),
			RuleSwarmDeadLetters+":critical", details)
	case thresholds.DLQWarnThreshold > 0 && in.DeadLetterCount >= thresholds.DLQWarnThreshold:
		return newAlert(RuleSwarmDeadLetters, models.SeverityWarning, in.NowMS,
			"Swarm dead letter queue is growing",
			fmt.Sprintf("%d messages dead lettered", in.DeadLetterCount),
			RuleSwarmDeadLetters+":warning", details)
	}
	return nil
}

func evalLLMAuth(in Input, thresholds Thresholds) *models.AlertEvent {
	if in.LLMAuthFailureMS <= 0 {
		return nil
	}
	if in.NowMS-in.LLMAuthFailureMS > thresholds.LLMAuthWindowMS {
		return nil
	}
	details := map[string]any{"failed_at_ms": in.LLMAuthFailureMS}
	if in.LLMHealth != nil {
		details["last_error"] = in.LLMHealth.LastError
	}
	return newAlert(RuleLLMAuthFailure, models.SeverityWarning, in.NowMS,
		"LLM authentication failing",
		"the analyst's LLM provider is rejecting credentials",
		RuleLLMAuthFailure, details)
}
