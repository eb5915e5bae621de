package intent

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultLongUtteranceWords is the word count above which imperative
// matching is skipped.
const DefaultLongUtteranceWords = 15

var defaultPhrases = map[Intent][]string{
	Continue: {
		"continue", "go on", "keep going", "carry on", "resume", "go ahead", "proceed",
		"got it", "i understand", "makes sense", "please continue", "let's continue",
	},
	Repeat: {
		"repeat", "repeat that", "say that again", "say it again", "come again",
		"go back", "one more time", "again please", "from the top",
	},
	MarkComplete: {
		"mark complete", "mark as complete", "mark it complete", "mark this complete",
		"mark topic complete", "mark the topic complete", "mark completed", "mark as done",
		"mark it as done", "i'm done with this topic", "i am done with this topic",
		// recognizer mishearings of "mark"
		"mart complete", "mach complete", "march complete", "mock complete", "mark compete",
		"marc complete", "mart as complete", "mark as compete",
	},
	NextCourse: {
		"next course", "start the next course", "go to the next course",
		"move to the next course", "switch course", "another course",
	},
	Farewell: {
		"good bye", "bye bye", "see you later", "see you", "talk to you later", "end the session",
		"end session", "stop the session", "finish the session", "i'm done for today",
		"that's all for today", "i have to go", "i need to go",
	},
	ConfirmYes: {
		"yes", "yeah", "yep", "yup", "sure", "of course", "yes please", "go for it",
		"do it", "correct", "okay", "ok", "alright", "absolutely",
	},
	ConfirmNo: {
		"no", "nope", "not yet", "no thanks", "no thank you", "don't", "do not", "cancel",
		"not now", "never mind",
	},
	Advance: {
		"next topic", "skip this topic", "skip ahead", "skip", "move on", "next one",
		"go to the next topic", "skip to the next topic", "move on to the next topic",
	},
}

// ErrAmbiguousFarewell rejects single-word farewell phrases.
var ErrAmbiguousFarewell = errors.New("farewell phrases must contain at least two words")

// KeywordClassifier matches utterances against per-intent phrase sets. Phrase
// sets can be changed at runtime and are safe for concurrent use.
type KeywordClassifier struct {
	mu         sync.RWMutex
	phrases    map[Intent]map[string]int
	longCutoff int
}

// NewKeywordClassifier builds a classifier seeded with the default phrase sets.
// longUtteranceWords <= 0 uses DefaultLongUtteranceWords.
func NewKeywordClassifier(longUtteranceWords int) *KeywordClassifier {
	if longUtteranceWords <= 0 {
		longUtteranceWords = DefaultLongUtteranceWords
	}
	c := &KeywordClassifier{
		phrases:    make(map[Intent]map[string]int),
		longCutoff: longUtteranceWords,
	}
	for in, list := range defaultPhrases {
		for _, p := range list {
			_ = c.AddPhrase(in, p)
		}
	}
	return c
}

// AddPhrase registers a trigger phrase for an intent.
func (c *KeywordClassifier) AddPhrase(in Intent, phrase string) error {
	if !in.Valid() || in == Question {
		return fmt.Errorf("intent %q does not take trigger phrases", in)
	}
	norm := Normalize(phrase)
	if norm == "" {
		return errors.New("empty phrase")
	}
	words := len(strings.Fields(norm))
	if in == Farewell && words < 2 {
		return ErrAmbiguousFarewell
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.phrases[in]
	if set == nil {
		set = make(map[string]int)
		c.phrases[in] = set
	}
	set[norm] = words
	return nil
}

// RemovePhrase drops a trigger phrase and reports whether it was present.
func (c *KeywordClassifier) RemovePhrase(in Intent, phrase string) bool {
	norm := Normalize(phrase)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.phrases[in][norm]; !ok {
		return false
	}
	delete(c.phrases[in], norm)
	return true
}

// Phrases returns a copy of the phrase set for an intent.
func (c *KeywordClassifier) Phrases(in Intent) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.phrases[in]))
	for p := range c.phrases[in] {
		out = append(out, p)
	}
	return out
}

func (c *KeywordClassifier) Classify(text string, awaitingConfirmation bool) Result {
	return c.Rank(text, awaitingConfirmation)[0]
}

type match struct {
	intent Intent
	phrase string
	words  int
	start  int
}

func (c *KeywordClassifier) Rank(text string, awaitingConfirmation bool) []Result {
	norm := Normalize(text)
	words := strings.Fields(norm)
	question := Result{Intent: Question, Confidence: 0.5, Normalized: norm}

	if len(words) == 0 {
		question.Confidence = 0
		return []Result{question}
	}
	if len(words) > c.longCutoff {
		question.Confidence = 0.9
		return []Result{question}
	}

	matches := c.matches(words, awaitingConfirmation)
	if len(matches) == 0 {
		return []Result{question}
	}

	best := make(map[Intent]Result)
	for _, m := range matches {
		coverage := float64(m.words) / float64(len(words))
		conf := 0.6 + 0.4*coverage
		if awaitingConfirmation && m.start == 0 && (m.intent == ConfirmYes || m.intent == ConfirmNo) {
			conf = 1.0
		}
		if prev, ok := best[m.intent]; !ok || conf > prev.Confidence || (conf == prev.Confidence && len(m.phrase) > len(prev.Matched)) {
			best[m.intent] = Result{Intent: m.intent, Confidence: conf, Normalized: norm, Matched: m.phrase}
		}
	}

	results := make([]Result, 0, len(best)+1)
	for _, r := range best {
		results = append(results, r)
	}
	sortResults(results)

	// A short command word inside a question-shaped utterance is incidental.
	top := results[0]
	if looksLikeQuestion(text, words) && top.Intent != ConfirmYes && top.Intent != ConfirmNo &&
		len(strings.Fields(top.Matched))*2 < len(words) {
		question.Confidence = 0.8
		return append([]Result{question}, results...)
	}
	return append(results, question)
}

func (c *KeywordClassifier) matches(words []string, awaitingConfirmation bool) []match {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []match
	for in, set := range c.phrases {
		target := in
		if !awaitingConfirmation {
			switch in {
			case ConfirmYes:
				target = Continue
			case ConfirmNo:
				continue
			}
		}
		for phrase, n := range set {
			if start := indexPhrase(words, strings.Fields(phrase)); start >= 0 {
				out = append(out, match{intent: target, phrase: phrase, words: n, start: start})
			}
		}
	}
	return out
}

// indexPhrase returns the word offset of phrase inside words, or -1.
func indexPhrase(words, phrase []string) int {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return -1
	}
outer:
	for i := 0; i+len(phrase) <= len(words); i++ {
		for j, w := range phrase {
			if words[i+j] != w {
				continue outer
			}
		}
		return i
	}
	return -1
}
