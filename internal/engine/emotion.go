package engine

import "strings"

const (
	EmotionNeutral    = "neutral"
	EmotionHappy      = "happy"
	EmotionExcited    = "excited"
	EmotionThoughtful = "thoughtful"
	EmotionCurious    = "curious"
	EmotionConfident  = "confident"
	EmotionConcerned  = "concerned"
	EmotionEmpathetic = "empathetic"
)

var validEmotions = map[string]struct{}{
	EmotionNeutral:    {},
	EmotionHappy:      {},
	EmotionExcited:    {},
	EmotionThoughtful: {},
	EmotionCurious:    {},
	EmotionConfident:  {},
	EmotionConcerned:  {},
	EmotionEmpathetic: {},
}

// emotionAliases maps near-miss names models tend to produce onto the
// canonical set.
var emotionAliases = map[string]string{
	"sad":          EmotionConcerned,
	"worried":      EmotionConcerned,
	"negative":     EmotionConcerned,
	"enthusiastic": EmotionExcited,
	"analytical":   EmotionThoughtful,
	"questioning":  EmotionCurious,
	"supportive":   EmotionEmpathetic,
	"caring":       EmotionEmpathetic,
	"positive":     EmotionHappy,
}

// NormalizeEmotion maps a raw emotion name to the canonical set,
// degrading through aliases and finally to neutral.
func NormalizeEmotion(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if _, ok := validEmotions[n]; ok {
		return n
	}
	if alias, ok := emotionAliases[n]; ok {
		return alias
	}
	return EmotionNeutral
}
