// Package encoder turns natural-language requests into CT/1 wire messages
// using a keyword rule table. No model is consulted, so the same input always
// produces the same message and confidence.
package encoder

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/clawtalk/clawtalk/pkg/intent"
	"github.com/clawtalk/clawtalk/pkg/wire"
)

// UnmatchedConfidence is reported when no rule matches and the text is
// passed through as chat.
const UnmatchedConfidence = 0.35

const (
	greetingConfidence = 0.8
	maxConfidence      = 0.95
	ambiguityPenalty   = 0.15
)

// Result is the outcome of encoding one utterance.
type Result struct {
	Message    *wire.Message
	Wire       string
	Intent     intent.Category
	Action     string
	Confidence float64
}

type rule struct {
	action   string
	prefixes []string
	keywords []string
	// bonus signals add one point each when present in the input
	wantsURL  bool
	wantsPath bool
	wantsLang bool
	extract   func(f *features, m *wire.Message)
}

// features are computed once per input and shared by scoring and extraction.
type features struct {
	text   string // normalised original casing
	lower  string
	url    string
	path   string
	lang   string
	quoted string
	prefix string // matched prefix of the winning rule
}

var greetings = []string{
	"hi", "hello", "hey", "thanks", "thank you", "good morning", "good evening",
	"good afternoon", "how are you", "what's up", "bye", "goodbye",
}

// Encode classifies text and builds the corresponding wire message.
func Encode(text string) Result {
	f := newFeatures(text)

	if isGreeting(f.lower) {
		return build(f, intent.ActionChat, greetingConfidence, extractChat)
	}

	best, bestScore, runnerUp := -1, 0, 0
	bestPrefix := ""
	for i, r := range rules {
		score, prefix := r.score(f)
		if score > bestScore {
			runnerUp = bestScore
			best, bestScore, bestPrefix = i, score, prefix
		} else if score > runnerUp {
			runnerUp = score
		}
	}
	if best < 0 {
		return build(f, intent.ActionChat, UnmatchedConfidence, extractChat)
	}

	conf := 0.45 + 0.15*float64(bestScore)
	if conf > maxConfidence {
		conf = maxConfidence
	}
	if runnerUp == bestScore {
		conf -= ambiguityPenalty
	}
	f.prefix = bestPrefix
	r := rules[best]
	return build(f, r.action, conf, r.extract)
}

func build(f *features, action string, conf float64, extract func(*features, *wire.Message)) Result {
	m := wire.New(wire.VerbREQ, action)
	if extract != nil {
		extract(f, m)
	}
	return Result{
		Message:    m,
		Wire:       wire.Serialize(m),
		Intent:     intent.ForAction(action),
		Action:     action,
		Confidence: roundConfidence(conf),
	}
}

func (r rule) score(f *features) (int, string) {
	score := 0
	matched := ""
	for _, p := range r.prefixes {
		if strings.HasPrefix(f.lower, p) {
			score += 2
			matched = p
			break
		}
	}
	for _, kw := range r.keywords {
		if strings.Contains(f.lower, kw) {
			score++
		}
	}
	if score == 0 {
		return 0, ""
	}
	if r.wantsURL && f.url != "" {
		score++
	}
	if r.wantsPath && f.path != "" {
		score++
	}
	if r.wantsLang && f.lang != "" {
		score++
	}
	return score, matched
}

func newFeatures(text string) *features {
	normalized := strings.Join(strings.Fields(norm.NFC.String(text)), " ")
	f := &features{text: normalized, lower: strings.ToLower(normalized)}
	f.url = findURL(normalized)
	f.path = findPath(normalized)
	f.lang = detectLanguage(f.lower)
	f.quoted = findQuoted(normalized)
	return f
}

func isGreeting(lower string) bool {
	s := strings.TrimRight(lower, "!.?, ")
	for _, g := range greetings {
		if s == g || strings.HasPrefix(s, g+" ") && len(strings.Fields(s)) <= 4 {
			return true
		}
	}
	return false
}

func roundConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	return float64(int(c*100+0.5)) / 100
}
