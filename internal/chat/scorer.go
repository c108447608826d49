package chat

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/mindfulme/mindfulme/internal/kb"
)

// Pattern sub-scores, highest priority first.
const (
	scoreExact       = 100
	scoreContains    = 50
	scoreContainedBy = 30
	scoreWordExact   = 10
	scoreWordPrefix  = 5
)

// Additive boosts applied on top of the best pattern score.
const (
	KeywordBoost    = 20
	LastIntentBoost = 15
	MentionedBoost  = 10
)

const minWordLen = 3

var stripPunctuation = strings.NewReplacer(
	".", "", ",", "", "?", "", "!", "", ";", "",
	":", "", "'", "", `"`, "", "(", "", ")", "",
)

// keywordBoosts maps an intent tag to the keywords that earn it KeywordBoost.
// Text is already lowercased when matched.
var keywordBoosts = map[string]*regexp.Regexp{
	"greeting":   regexp.MustCompile(`^(hi|hello|hey|greetings)`),
	"thanks":     regexp.MustCompile(`thank|thanks|appreciate`),
	"goodbye":    regexp.MustCompile(`bye|goodbye|see you|later`),
	"anxiety":    regexp.MustCompile(`anxious|anxiety|worried|panic|stress`),
	"depression": regexp.MustCompile(`depress|sad|down|hopeless|unhappy`),
	"sleep":      regexp.MustCompile(`sleep|insomnia|tired|awake|exhausted`),
	"meditation": regexp.MustCompile(`meditat|mindful|calm|relax`),
	"self_care":  regexp.MustCompile(`self[- ]?care|take care of myself|pamper`),
}

// ScoredIntent is one ranked candidate.
type ScoredIntent struct {
	Intent         *kb.Intent
	Score          int
	MatchedPattern string
}

// Normalize lowercases and trims text.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Tokenize splits normalized text on whitespace, strips punctuation and drops
// words shorter than three characters.
func Tokenize(normalized string) []string {
	fields := strings.Fields(normalized)
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := stripPunctuation.Replace(f)
		if utf8.RuneCountInString(w) >= minWordLen {
			words = append(words, w)
		}
	}
	return words
}

// Score ranks every intent of base against text. The result is ordered by
// descending score with ties kept in declaration order. When no intent scores
// above zero the fallback intent is returned alone with score 0.
// cc may be nil for a conversation without history.
func Score(text string, base *kb.KnowledgeBase, cc *ConversationContext) []ScoredIntent {
	message := Normalize(text)
	userWords := Tokenize(message)

	var candidates []ScoredIntent
	for _, intent := range base.Intents() {
		best, matched := 0, ""
		for _, pattern := range intent.Patterns {
			if s := patternScore(message, userWords, Normalize(pattern)); s > best {
				best, matched = s, pattern
			}
		}

		total := best + boosts(intent.Tag, message, cc)
		if total > 0 {
			candidates = append(candidates, ScoredIntent{
				Intent:         intent,
				Score:          total,
				MatchedPattern: matched,
			})
		}
	}

	if len(candidates) == 0 {
		return []ScoredIntent{{Intent: base.Fallback()}}
	}

	slices.SortStableFunc(candidates, func(a, b ScoredIntent) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return candidates
}

// patternScore applies the first matching rule: exact, contains, contained-by,
// then word overlap.
func patternScore(message string, userWords []string, pattern string) int {
	if pattern == "" {
		return 0
	}
	if message != "" {
		switch {
		case message == pattern:
			return scoreExact
		case strings.Contains(message, pattern):
			return scoreContains
		case strings.Contains(pattern, message):
			return scoreContainedBy
		}
	}

	patternWords := Tokenize(pattern)
	score := 0
	for _, uw := range userWords {
		if slices.Contains(patternWords, uw) {
			score += scoreWordExact
			continue
		}
		for _, pw := range patternWords {
			if strings.HasPrefix(uw, pw) {
				score += scoreWordPrefix
			}
			if strings.HasPrefix(pw, uw) {
				score += scoreWordPrefix
			}
		}
	}
	return score
}

func boosts(tag, message string, cc *ConversationContext) int {
	total := 0
	if re, ok := keywordBoosts[tag]; ok && re.MatchString(message) {
		total += KeywordBoost
	}
	if cc != nil {
		if cc.LastIntentTag != "" && cc.LastIntentTag == tag {
			total += LastIntentBoost
		}
		if cc.Mentioned(tag) {
			total += MentionedBoost
		}
	}
	return total
}
