// Package intent hosts the assistant-facing collaborators of the
// conversation loop: a keyword detector that proposes workflows for
// free-form messages, and a canned responder for messages that match
// nothing. Both stand where a language-model integration would go; the
// loop only ever sees an IntentMatch or a renderable message, so a model
// backend can replace them without touching the routing rules.
package intent

import (
	"context"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
	"github.com/nteguem/armelle-manager-sub002/internal/observability"
	"github.com/nteguem/armelle-manager-sub002/model"
)

const (
	defaultMinConfidence = 0.6

	// Keyword tokens shorter than this only match exactly; longer ones
	// also match as a prefix of a longer word, which absorbs French
	// plural and verb endings without a stemmer.
	minPrefixLen = 4

	// Each keyword hit beyond the first nudges the confidence upward.
	hitBonus = 0.1
)

// Detector scores workflow keywords against free-form text and proposes
// the best match above a confidence threshold.
type Detector struct {
	min     float64
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewDetector creates a keyword intent detector. A zero threshold falls
// back to the default.
func NewDetector(cfg config.IntentConfig, metrics *observability.Metrics, logger *zap.Logger) *Detector {
	min := cfg.MinConfidence
	if min == 0 {
		min = defaultMinConfidence
	}
	return &Detector{min: min, metrics: metrics, logger: logger}
}

// DetectIntent returns the best-scoring eligible workflow, or nil when
// nothing reaches the threshold. Ties on confidence go to the definition
// with more distinct keyword hits, then to eligibility order.
func (d *Detector) DetectIntent(ctx context.Context, text string, eligible []*model.WorkflowDefinition, sess *model.Session) (*model.IntentMatch, error) {
	tokens := tokenSet(text)
	if len(tokens) == 0 || len(eligible) == 0 {
		d.metrics.RecordIntentDetection("none", 0)
		return nil, nil
	}

	var best *model.IntentMatch
	bestHits := 0
	for _, def := range eligible {
		conf, hits := scoreDefinition(def, tokens)
		if conf == 0 {
			continue
		}
		if best == nil || conf > best.Confidence || (conf == best.Confidence && hits > bestHits) {
			best = &model.IntentMatch{WorkflowID: def.ID, Confidence: conf}
			bestHits = hits
		}
	}

	if best == nil {
		d.metrics.RecordIntentDetection("none", 0)
		return nil, nil
	}
	if best.Confidence < d.min {
		d.metrics.RecordIntentDetection("below_threshold", best.Confidence)
		d.logger.Debug("intent below threshold",
			zap.String("workflow_id", best.WorkflowID),
			zap.Float64("confidence", best.Confidence))
		return nil, nil
	}

	d.metrics.RecordIntentDetection("matched", best.Confidence)
	d.logger.Debug("intent matched",
		zap.String("workflow_id", best.WorkflowID),
		zap.Float64("confidence", best.Confidence))
	return best, nil
}

// scoreDefinition scores one definition against the input tokens: the best
// single-keyword score, nudged upward per extra keyword hit, capped at 1.
func scoreDefinition(def *model.WorkflowDefinition, tokens map[string]bool) (confidence float64, hits int) {
	best := 0.0
	for _, kw := range def.Keywords {
		s := keywordScore(kw, tokens)
		if s == 0 {
			continue
		}
		hits++
		if s > best {
			best = s
		}
	}
	if best == 0 {
		return 0, 0
	}
	conf := best + hitBonus*float64(hits-1)
	if conf > 1 {
		conf = 1
	}
	return conf, hits
}

// keywordScore is the fraction of the keyword's tokens present in the
// input, so a bare "rechercher" earns half of "rechercher contribuable".
func keywordScore(keyword string, tokens map[string]bool) float64 {
	parts := fields(keyword)
	if len(parts) == 0 {
		return 0
	}
	matched := 0
	for _, p := range parts {
		if tokenMatches(tokens, p) {
			matched++
		}
	}
	return float64(matched) / float64(len(parts))
}

func tokenMatches(tokens map[string]bool, kw string) bool {
	if tokens[kw] {
		return true
	}
	if len(kw) < minPrefixLen {
		return false
	}
	for tok := range tokens {
		if strings.HasPrefix(tok, kw) {
			return true
		}
	}
	return false
}

// tokenSet folds and splits text into a set of lowercase, accent-free
// tokens. "Déclarer l'impôt" and "declarer l impot" produce the same set.
func tokenSet(text string) map[string]bool {
	parts := fields(text)
	if len(parts) == 0 {
		return nil
	}
	set := make(map[string]bool, len(parts))
	for _, p := range parts {
		set[p] = true
	}
	return set
}

// fields lowercases, folds and splits on anything that is not a letter or
// digit.
func fields(s string) []string {
	return strings.FieldsFunc(fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// fold lowercases s and drops combining marks, so accented and plain
// spellings compare equal.
func fold(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
