package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/ai"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/ident"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

const (
	// minAbsSentiment filters noise before any LLM spend
	minAbsSentiment = 0.3
	// maxSelectedSignals caps one analysis round
	maxSelectedSignals = 5
	// analysisCacheTTL bounds how long a fingerprint hit stays fresh
	analysisCacheTTL = 90 * time.Second
	// researchCacheTTL bounds per-symbol research reuse
	researchCacheTTL = 180 * time.Second
	// maxResearchCandidates caps one batch research round
	maxResearchCandidates = 16
	// researchChunkSize is the symbols-per-LLM-call batch size
	researchChunkSize = 8
	// llmDeadline is the hard per-call deadline; a timeout is a failure
	llmDeadline = 18 * time.Second
	// analysisInterval paces the scheduled cycle
	analysisInterval = 120 * time.Second
)

// SignalSource pulls the scout's current signals; wired through the
// runtime so the analyst never touches scout state directly
type SignalSource func(ctx context.Context) ([]models.Signal, error)

// analysisCacheEntry is one fingerprinted analysis result
type analysisCacheEntry struct {
	Recommendations []models.Recommendation `json:"recommendations"`
	TimestampMS     int64                   `json:"timestamp_ms"`
}

// AnalystMetrics counts cache behavior
type AnalystMetrics struct {
	AnalysisCacheHits   int64 `json:"analysis_cache_hits"`
	AnalysisCacheMisses int64 `json:"analysis_cache_misses"`
	ResearchCacheHits   int64 `json:"research_cache_hits"`
	LLMCalls            int64 `json:"llm_calls"`
}

// AnalystAgent turns signals into recommendations through a cached,
// circuit-protected LLM pipeline
type AnalystAgent struct {
	id      models.AgentID
	llm     ai.LLM
	signals SignalSource
	bus     Bus
	clk     clockpkg.Clock

	mu             sync.Mutex
	health         ai.Health
	analysisCache  map[string]analysisCacheEntry
	researchCache  map[string]models.ResearchResult
	metrics        AnalystMetrics
	lastAnalysisMS int64
	lastAuthFailMS int64
}

// NewAnalystAgent creates new analyst agent
func NewAnalystAgent(llm ai.LLM, signals SignalSource, bus Bus, clk clockpkg.Clock) *AnalystAgent {
	return &AnalystAgent{
		id:            models.NewAgentID(models.AgentAnalyst),
		llm:           llm,
		signals:       signals,
		bus:           bus,
		clk:           clk,
		analysisCache: make(map[string]analysisCacheEntry),
		researchCache: make(map[string]models.ResearchResult),
	}
}

// ID returns the analyst identity
func (a *AnalystAgent) ID() models.AgentID {
	return a.id
}

// Capabilities advertises what the analyst offers
func (a *AnalystAgent) Capabilities() []string {
	return []string{"analysis", "research"}
}

// HandleMessage runs a cycle on an "analyze" command and ignores every
// other message, signals_updated included: the scheduled cycle drives LLM spend
func (a *AnalystAgent) HandleMessage(ctx context.Context, msg *models.Message) (any, error) {
	if msg.Type == models.MessageCommand && msg.Topic == "analyze" {
		recs, err := a.RunCycle(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"recommendations": recs}, nil
	}
	return nil, nil
}

// OnAlarm prunes stale cache entries and runs the scheduled cycle when due
func (a *AnalystAgent) OnAlarm(ctx context.Context) error {
	a.pruneCaches()

	a.mu.Lock()
	due := a.clk.NowMS()-a.lastAnalysisMS >= analysisInterval.Milliseconds()
	a.mu.Unlock()

	if !due {
		return nil
	}
	_, err := a.RunCycle(ctx)
	return err
}

// RunCycle pulls signals, researches them, analyzes, and publishes
// analysis_ready
func (a *AnalystAgent) RunCycle(ctx context.Context) ([]models.Recommendation, error) {
	signals, err := a.signals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to pull signals: %w", err)
	}

	research := a.ResearchSignalsBatch(ctx, signals)
	recommendations := a.Analyze(ctx, signals)

	a.mu.Lock()
	a.lastAnalysisMS = a.clk.NowMS()
	a.mu.Unlock()

	if _, err := a.bus.Publish(a.id, models.TopicAnalysisReady, map[string]any{
		"recommendations":  recommendations,
		"batched_research": research,
		"generated_at":     a.clk.NowMS(),
	}); err != nil {
		logger.Warn("analysis_ready publish failed", zap.Error(err))
	}

	return recommendations, nil
}

// selectSignals normalizes, filters, and ranks signals for analysis
func selectSignals(signals []models.Signal) []models.Signal {
	selected := make([]models.Signal, 0, len(signals))
	for _, signal := range signals {
		normalized := models.Signal{
			Symbol:    strings.ToUpper(strings.TrimSpace(signal.Symbol)),
			Sentiment: signal.Sentiment,
			Volume:    signal.Volume,
			Sources:   signal.Sources,
		}
		if normalized.Symbol == "" || math.Abs(normalized.Sentiment) < minAbsSentiment {
			continue
		}
		if normalized.Volume < 0 {
			normalized.Volume = 0
		}
		selected = append(selected, normalized)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return math.Abs(selected[i].Sentiment)*selected[i].Volume >
			math.Abs(selected[j].Sentiment)*selected[j].Volume
	})

	if len(selected) > maxSelectedSignals {
		selected = selected[:maxSelectedSignals]
	}
	return selected
}

// fingerprint canonicalizes the selected set so equivalent rounds hit cache
func fingerprint(selected []models.Signal) string {
	entries := make([]map[string]any, 0, len(selected))
	for _, signal := range selected {
		sources := make([]string, len(signal.Sources))
		copy(sources, signal.Sources)
		sort.Strings(sources)
		entries = append(entries, map[string]any{
			"symbol":    signal.Symbol,
			"sentiment": math.Round(signal.Sentiment*1000) / 1000,
			"volume":    signal.Volume,
			"sources":   sources,
		})
	}
	return ident.StableHash(entries)
}

// Analyze produces recommendations for the strongest signals, serving
// repeats from the fingerprint cache
func (a *AnalystAgent) Analyze(ctx context.Context, signals []models.Signal) []models.Recommendation {
	selected := selectSignals(signals)
	if len(selected) == 0 {
		return []models.Recommendation{}
	}

	fp := fingerprint(selected)
	nowMS := a.clk.NowMS()

	a.mu.Lock()
	if entry, ok := a.analysisCache[fp]; ok && nowMS-entry.TimestampMS < analysisCacheTTL.Milliseconds() {
		a.metrics.AnalysisCacheHits++
		cached := entry.Recommendations
		a.mu.Unlock()
		return cached
	}
	a.metrics.AnalysisCacheMisses++
	a.mu.Unlock()

	recommendations := a.runAnalysisLLM(ctx, selected)

	a.mu.Lock()
	a.analysisCache[fp] = analysisCacheEntry{
		Recommendations: recommendations,
		TimestampMS:     nowMS,
	}
	a.mu.Unlock()

	return recommendations
}

func (a *AnalystAgent) runAnalysisLLM(ctx context.Context, selected []models.Signal) []models.Recommendation {
	fallback := []models.Recommendation{}

	return ai.RunWithResilience(ctx, a.llm, a.healthRef(), a.clk.NowMS, llmDeadline, fallback,
		func(ctx context.Context) ([]models.Recommendation, error) {
			a.mu.Lock()
			a.metrics.LLMCalls++
			a.mu.Unlock()

			prompt := buildAnalysisPrompt(selected)
			completion, err := a.llm.Complete(ctx, &ai.CompletionRequest{
				Messages: []ai.ChatMessage{
					{Role: "system", Content: analysisSystemPrompt},
					{Role: "user", Content: prompt},
				},
				Temperature:    0.3,
				MaxTokens:      1200,
				ResponseFormat: "json",
			})
			if err != nil {
				a.noteAuthFailure(err)
				return nil, err
			}
			return parseRecommendations(completion.Content)
		})
}

// ResearchSignalsBatch deep-researches up to 16 symbols, serving repeats
// from the research cache and batching the rest 8 per LLM call
func (a *AnalystAgent) ResearchSignalsBatch(ctx context.Context, signals []models.Signal) map[string]models.ResearchResult {
	results := make(map[string]models.ResearchResult)
	nowMS := a.clk.NowMS()

	// Normalize and dedupe candidates
	seen := make(map[string]models.Signal)
	order := make([]string, 0, len(signals))
	for _, signal := range signals {
		symbol := strings.ToUpper(strings.TrimSpace(signal.Symbol))
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; !ok {
			seen[symbol] = signal
			order = append(order, symbol)
		}
	}
	if len(order) > maxResearchCandidates {
		order = order[:maxResearchCandidates]
	}

	// Serve from cache; queue the rest that clear the sentiment floor
	pending := make([]string, 0, len(order))
	a.mu.Lock()
	for _, symbol := range order {
		if cached, ok := a.researchCache[symbol]; ok && nowMS-cached.TimestampMS < researchCacheTTL.Milliseconds() {
			a.metrics.ResearchCacheHits++
			results[symbol] = cached
			continue
		}
		if math.Abs(seen[symbol].Sentiment) >= minAbsSentiment {
			pending = append(pending, symbol)
		}
	}
	a.mu.Unlock()

	for start := 0; start < len(pending); start += researchChunkSize {
		end := start + researchChunkSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		chunkResults := a.runResearchLLM(ctx, chunk, seen)
		a.mu.Lock()
		for symbol, result := range chunkResults {
			symbol = strings.ToUpper(symbol)
			result.TimestampMS = nowMS
			a.researchCache[symbol] = result
			results[symbol] = result
		}
		a.mu.Unlock()
	}

	return results
}

func (a *AnalystAgent) runResearchLLM(ctx context.Context, symbols []string, signals map[string]models.Signal) map[string]models.ResearchResult {
	fallback := map[string]models.ResearchResult{}

	return ai.RunWithResilience(ctx, a.llm, a.healthRef(), a.clk.NowMS, llmDeadline, fallback,
		func(ctx context.Context) (map[string]models.ResearchResult, error) {
			a.mu.Lock()
			a.metrics.LLMCalls++
			a.mu.Unlock()

			completion, err := a.llm.Complete(ctx, &ai.CompletionRequest{
				Messages: []ai.ChatMessage{
					{Role: "system", Content: researchSystemPrompt},
					{Role: "user", Content: buildResearchPrompt(symbols, signals)},
				},
				Temperature:    0.2,
				MaxTokens:      1600,
				ResponseFormat: "json",
			})
			if err != nil {
				a.noteAuthFailure(err)
				return nil, err
			}
			return parseResearchResults(completion.Content)
		})
}

// healthRef exposes the circuit breaker record; the single-writer runtime
// makes this safe, the mutex keeps observers honest
func (a *AnalystAgent) healthRef() *ai.Health {
	return &a.health
}

func (a *AnalystAgent) noteAuthFailure(err error) {
	if strings.Contains(err.Error(), "UNAUTHORIZED") || strings.Contains(err.Error(), "auth failed") {
		a.mu.Lock()
		a.lastAuthFailMS = a.clk.NowMS()
		a.mu.Unlock()
	}
}

// pruneCaches drops expired analysis and research entries
func (a *AnalystAgent) pruneCaches() {
	nowMS := a.clk.NowMS()

	a.mu.Lock()
	defer a.mu.Unlock()

	for fp, entry := range a.analysisCache {
		if nowMS-entry.TimestampMS >= analysisCacheTTL.Milliseconds() {
			delete(a.analysisCache, fp)
		}
	}
	for symbol, result := range a.researchCache {
		if nowMS-result.TimestampMS >= researchCacheTTL.Milliseconds() {
			delete(a.researchCache, symbol)
		}
	}
}

// Health returns a copy of the circuit breaker record
func (a *AnalystAgent) Health() ai.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

// LastAuthFailureMS reports when the LLM last rejected credentials
func (a *AnalystAgent) LastAuthFailureMS() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAuthFailMS
}

// Metrics returns a copy of the analyst metrics
func (a *AnalystAgent) Metrics() AnalystMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// StateSnapshot exposes analyst state for /state
func (a *AnalystAgent) StateSnapshot() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"metrics":          a.metrics,
		"llm_health":       a.health,
		"analysis_cached":  len(a.analysisCache),
		"research_cached":  len(a.researchCache),
		"last_analysis_ms": a.lastAnalysisMS,
	}
}

// HandleRequest serves /metrics and /research
func (a *AnalystAgent) HandleRequest(ctx context.Context, path string, body []byte) (any, error) {
	switch path {
	case "/metrics":
		return a.Metrics(), nil
	case "/research":
		var params struct {
			Signals []models.Signal `json:"signals"`
		}
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, fmt.Errorf("invalid research body: %w", err)
		}
		return map[string]any{"results": a.ResearchSignalsBatch(ctx, params.Signals)}, nil
	}
	return nil, errUnknownRoute(path)
}

const analysisSystemPrompt = `You are an equity trading analyst. Given social sentiment signals, recommend actions.
Respond with JSON: {"recommendations": [{"symbol": "...", "action": "BUY|SKIP|WAIT|HOLD|SELL", "confidence": 0.0-1.0, "reasoning": "...", "urgency": "low|normal|high"}]}.
Only recommend BUY with strong conviction. Be conservative.`

const researchSystemPrompt = `You are a research analyst screening symbols for tradability.
Respond with a strict JSON array: [{"symbol": "...", "verdict": "BUY|SKIP|WAIT", "confidence": 0.0-1.0, "reasoning": "..."}].
No prose outside the JSON.`

func buildAnalysisPrompt(selected []models.Signal) string {
	var sb strings.Builder
	sb.WriteString("Current sentiment signals:\n")
	for _, signal := range selected {
		fmt.Fprintf(&sb, "- %s: sentiment %.3f, volume %.0f, sources %s\n",
			signal.Symbol, signal.Sentiment, signal.Volume, strings.Join(signal.Sources, ","))
	}
	sb.WriteString("\nReturn recommendations as specified.")
	return sb.String()
}

func buildResearchPrompt(symbols []string, signals map[string]models.Signal) string {
	var sb strings.Builder
	sb.WriteString("Screen these symbols:\n")
	for _, symbol := range symbols {
		signal := signals[symbol]
		fmt.Fprintf(&sb, "- %s (sentiment %.3f, volume %.0f)\n", symbol, signal.Sentiment, signal.Volume)
	}
	return sb.String()
}

func parseRecommendations(content string) ([]models.Recommendation, error) {
	content = stripCodeFence(content)

	var wrapped struct {
		Recommendations []models.Recommendation `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil && wrapped.Recommendations != nil {
		return clampRecommendations(wrapped.Recommendations), nil
	}

	var direct []models.Recommendation
	if err := json.Unmarshal([]byte(content), &direct); err != nil {
		return nil, fmt.Errorf("unparseable recommendations: %w", err)
	}
	return clampRecommendations(direct), nil
}

func clampRecommendations(recs []models.Recommendation) []models.Recommendation {
	out := make([]models.Recommendation, 0, len(recs))
	for _, rec := range recs {
		rec.Symbol = strings.ToUpper(strings.TrimSpace(rec.Symbol))
		if rec.Symbol == "" {
			continue
		}
		if rec.Confidence < 0 {
			rec.Confidence = 0
		}
		if rec.Confidence > 1 {
			rec.Confidence = 1
		}
		out = append(out, rec)
	}
	return out
}

func parseResearchResults(content string) (map[string]models.ResearchResult, error) {
	content = stripCodeFence(content)

	var results []models.ResearchResult
	if err := json.Unmarshal([]byte(content), &results); err != nil {
		// Some models wrap the array despite instructions
		var wrapped struct {
			Results []models.ResearchResult `json:"results"`
		}
		if err2 := json.Unmarshal([]byte(content), &wrapped); err2 != nil {
			return nil, fmt.Errorf("unparseable research results: %w", err)
		}
		results = wrapped.Results
	}

	out := make(map[string]models.ResearchResult, len(results))
	for _, result := range results {
		symbol := strings.ToUpper(strings.TrimSpace(result.Symbol))
		if symbol == "" {
			continue
		}
		result.Symbol = symbol
		if result.Confidence < 0 {
			result.Confidence = 0
		}
		if result.Confidence > 1 {
			result.Confidence = 1
		}
		out[symbol] = result
	}
	return out, nil
}

func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
	}
	return strings.TrimSpace(content)
}
