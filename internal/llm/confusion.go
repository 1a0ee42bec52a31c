package llm

import (
	"regexp"
	"strings"
)

// VisualAidThreshold is the confusion level at which screen sharing is requested.
const VisualAidThreshold = 0.6

var (
	confusionKeywords = []string{
		"help", "stuck", "error", "problem", "issue", "confused", "not working",
		"broken", "can't", "unable", "difficulty", "trouble", "struggling",
		"don't understand", "how do i", "where is", "can't find",
		"doesn't work", "failed", "wrong", "incorrect", "bug",
	}
	emotionalWords = []string{"frustrated", "annoying", "hate", "terrible", "awful", "stupid"}
	negativeWords  = []string{"can't", "cannot", "unable", "doesn't", "won't", "isn't", "aren't"}
	errorPatterns  = []*regexp.Regexp{
		regexp.MustCompile(`error\s+\d+`),
		regexp.MustCompile(`exception`),
		regexp.MustCompile(`failed`),
		regexp.MustCompile(`crash`),
		regexp.MustCompile(`freeze`),
		regexp.MustCompile(`hang`),
	}
	shareTriggers = []string{
		"share your screen", "screen sharing", "show me your screen",
		"can you share", "let me see", "visual guidance",
	}
)

// ConfusionScore estimates in [0,1] how much a user message signals that
// visual help is needed.
func ConfusionScore(message string) float64 {
	lower := strings.ToLower(message)
	score := 0.0

	matches := 0
	for _, k := range confusionKeywords {
		if strings.Contains(lower, k) {
			matches++
		}
	}
	score += min(float64(matches)*0.2, 0.6)
	score += min(float64(strings.Count(message, "?"))*0.1, 0.2)

	for _, w := range emotionalWords {
		if strings.Contains(lower, w) {
			score += 0.3
			break
		}
	}
	for _, re := range errorPatterns {
		if re.MatchString(lower) {
			score += 0.25
			break
		}
	}

	neg := 0
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			neg++
		}
	}
	score += min(float64(neg)*0.15, 0.3)

	return max(0, min(score, 1))
}

// AsksForScreenShare reports whether a reply itself invites the user to share.
func AsksForScreenShare(reply string) bool {
	lower := strings.ToLower(reply)
	for _, t := range shareTriggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
