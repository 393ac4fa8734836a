package news

import (
	"regexp"
	"strings"
)

// SentimentScorer assigns a keyword-based sentiment score to raw text.
// Cheap and deterministic; the analyst's LLM research refines it later.
type SentimentScorer struct {
	bullish map[string]float64
	bearish map[string]float64
}

// NewSentimentScorer creates new sentiment scorer
func NewSentimentScorer() *SentimentScorer {
	return &SentimentScorer{
		bullish: map[string]float64{
			"beat":      0.4,
			"upgrade":   0.5,
			"buy":       0.3,
			"bullish":   0.5,
			"rally":     0.4,
			"surge":     0.4,
			"moon":      0.3,
			"breakout":  0.4,
			"record":    0.3,
			"strong":    0.2,
			"guidance":  0.1,
			"dividend":  0.2,
			"buyback":   0.3,
			"approval":  0.4,
			"contract":  0.2,
			"expansion": 0.2,
		},
		bearish: map[string]float64{
			"miss":          -0.4,
			"downgrade":     -0.5,
			"sell":          -0.3,
			"bearish":       -0.5,
			"crash":         -0.6,
			"plunge":        -0.5,
			"lawsuit":       -0.4,
			"investigation": -0.4,
			"recall":        -0.4,
			"bankruptcy":    -0.8,
			"layoffs":       -0.3,
			"weak":          -0.2,
			"cut":           -0.2,
			"warning":       -0.3,
			"delisting":     -0.6,
		},
	}
}

// Score returns a sentiment within [-1, 1] for the given text
func (s *SentimentScorer) Score(text string) float64 {
	lower := strings.ToLower(text)

	score := 0.0
	for kw, weight := range s.bullish {
		if strings.Contains(lower, kw) {
			score += weight
		}
	}
	for kw, weight := range s.bearish {
		if strings.Contains(lower, kw) {
			score += weight
		}
	}

	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}

var cashtagPattern = regexp.MustCompile(`\$([A-Z]{1,5})\b`)

// ExtractSymbols pulls cashtags out of free text
func ExtractSymbols(text string) []string {
	matches := cashtagPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	symbols := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			symbols = append(symbols, m[1])
		}
	}
	return symbols
}
