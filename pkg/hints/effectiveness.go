package hints

import "sync"

// defaultEffectiveness seeds rules that have never received feedback.
const defaultEffectiveness = 0.5

// ewmaAlpha is the decay applied per feedback update.
const ewmaAlpha = 0.1

// RuleStats reports one rule's feedback standing.
type RuleStats struct {
	Rule          string  `json:"rule"`
	Effectiveness float64 `json:"effectiveness"`
	FeedbackCount int     `json:"feedback_count"`
}

// effectivenessTracker keeps a per-rule exponentially weighted moving
// average of feedback signals. Scores stay in [0,1].
type effectivenessTracker struct {
	mu      sync.RWMutex
	scores  map[string]float64
	updates map[string]int
}

func newEffectivenessTracker() *effectivenessTracker {
	return &effectivenessTracker{
		scores:  make(map[string]float64),
		updates: make(map[string]int),
	}
}

// score returns the current effectiveness for a rule.
func (t *effectivenessTracker) score(rule string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.scores[rule]; ok {
		return s
	}
	return defaultEffectiveness
}

// apply folds one feedback signal into the rule's average and returns the
// new score. Signals are clamped to [0,1].
func (t *effectivenessTracker) apply(rule string, signal float64) float64 {
	if signal < 0 {
		signal = 0
	}
	if signal > 1 {
		signal = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.scores[rule]
	if !ok {
		prev = defaultEffectiveness
	}
	next := (1-ewmaAlpha)*prev + ewmaAlpha*signal
	t.scores[rule] = next
	t.updates[rule]++
	return next
}

// snapshot copies the scores of every rule that has received feedback.
func (t *effectivenessTracker) snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.scores))
	for k, v := range t.scores {
		out[k] = v
	}
	return out
}

// updateCount returns how many feedback signals a rule has absorbed.
func (t *effectivenessTracker) updateCount(rule string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updates[rule]
}
