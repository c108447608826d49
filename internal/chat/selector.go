package chat

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/mindfulme/mindfulme/internal/kb"
)

// BreathingSuggestion is appended to calming-category replies in delegate mode.
const BreathingSuggestion = "\n\nIf it helps, try a guided breathing exercise: [Click here to access our breathing exercises](/breathing-exercises)"

const greetAgainPrefix = "Hello again! "

// Longest first so "Hi there!" wins over "Hi!".
var greetingTokens = []string{
	"Hello there!",
	"Hi there!",
	"Hey there!",
	"Greetings!",
	"Hello!",
	"Hey!",
	"Hi!",
}

var calmingTags = map[string]bool{
	"anxiety":     true,
	"panic":       true,
	"stress":      true,
	"overwhelmed": true,
}

// RandomSource picks an index in [0, n).
type RandomSource interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.Intn(n) }

// Selector picks and decorates reply templates.
type Selector struct {
	mu  sync.Mutex
	rng RandomSource
}

// NewSelector returns a selector drawing from rng, or from the process-wide
// source when rng is nil.
func NewSelector(rng RandomSource) *Selector {
	if rng == nil {
		rng = globalRand{}
	}
	return &Selector{rng: rng}
}

// Pick returns one of the intent's responses uniformly at random.
func (s *Selector) Pick(intent *kb.Intent) string {
	if intent == nil || len(intent.Responses) == 0 {
		return ""
	}
	s.mu.Lock()
	i := s.rng.IntN(len(intent.Responses))
	s.mu.Unlock()
	return intent.Responses[i]
}

// Select picks a response for intent and applies Decorate.
func (s *Selector) Select(intent *kb.Intent, cc *ConversationContext, delegateMode bool) string {
	return Decorate(intent.Tag, s.Pick(intent), cc, delegateMode)
}

// Decorate applies the contextual rewrites to a reply: a repeated greeting
// becomes "Hello again! ...", and calming intents in delegate mode get the
// breathing exercise suggestion appended.
func Decorate(tag, reply string, cc *ConversationContext, delegateMode bool) string {
	if tag == kb.GreetingTag && cc != nil && cc.MessageCount > 1 {
		reply = greetAgain(reply)
	}
	if delegateMode && calmingTags[tag] {
		reply += BreathingSuggestion
	}
	return reply
}

func greetAgain(reply string) string {
	for _, tok := range greetingTokens {
		if strings.HasPrefix(reply, tok) {
			reply = strings.TrimSpace(strings.TrimPrefix(reply, tok))
			break
		}
	}
	return greetAgainPrefix + reply
}
