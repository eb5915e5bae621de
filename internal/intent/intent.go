package intent

import (
	"sort"
	"strings"
	"unicode"
)

// Intent is the classified purpose of a listener utterance.
type Intent string

const (
	Continue     Intent = "CONTINUE"
	Repeat       Intent = "REPEAT"
	Question     Intent = "QUESTION"
	MarkComplete Intent = "MARK_COMPLETE"
	NextCourse   Intent = "NEXT_COURSE"
	Farewell     Intent = "FAREWELL"
	ConfirmYes   Intent = "CONFIRM_YES"
	ConfirmNo    Intent = "CONFIRM_NO"
	Advance      Intent = "ADVANCE"
)

// All lists every intent in tie-break priority order, most specific first.
var All = []Intent{MarkComplete, NextCourse, Farewell, Advance, Repeat, ConfirmNo, ConfirmYes, Continue, Question}

func (i Intent) Valid() bool {
	for _, known := range All {
		if i == known {
			return true
		}
	}
	return false
}

// Result is one classification candidate.
type Result struct {
	Intent     Intent
	Confidence float64
	// Normalized is the lowercased, punctuation-free utterance.
	Normalized string
	// Matched is the trigger phrase that produced the intent, if any.
	Matched string
}

// Classifier maps an utterance to intents. awaitingConfirmation makes the
// yes/no intents eligible. Rank returns candidates best-first and always
// contains at least one entry.
type Classifier interface {
	Classify(text string, awaitingConfirmation bool) Result
	Rank(text string, awaitingConfirmation bool) []Result
}

// Normalize lowercases text, turns hyphens into spaces and drops punctuation
// other than apostrophes.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'':
			b.WriteRune(r)
		case r == '’':
			b.WriteRune('\'')
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// WordCount counts whitespace separated words after normalization.
func WordCount(text string) int {
	return len(strings.Fields(Normalize(text)))
}

var interrogatives = map[string]struct{}{
	"what": {}, "what's": {}, "whats": {}, "why": {}, "how": {}, "when": {}, "where": {}, "who": {},
	"which": {}, "whose": {}, "is": {}, "are": {}, "does": {}, "do": {}, "did": {}, "can": {},
	"could": {}, "would": {}, "should": {}, "will": {}, "explain": {},
}

var (
	whWords = map[string]struct{}{
		"what": {}, "why": {}, "how": {}, "when": {}, "where": {}, "who": {}, "which": {}, "whose": {},
	}
	auxiliaries = map[string]struct{}{
		"is": {}, "are": {}, "was": {}, "were": {}, "does": {}, "do": {}, "did": {}, "can": {},
		"could": {}, "would": {}, "should": {}, "will": {}, "has": {}, "have": {},
	}
	whContractions = map[string]struct{}{
		"what's": {}, "whats": {}, "how's": {}, "where's": {}, "who's": {}, "why's": {},
	}
	determiners = map[string]struct{}{
		"a": {}, "an": {}, "the": {}, "this": {}, "that": {}, "it": {},
	}
)

// looksLikeQuestion reports whether an utterance is shaped like a question.
// Transcripts rarely carry punctuation and often open with filler ("sorry",
// "okay so"), so an interrogative clause anywhere counts, not only a leading
// interrogative word.
func looksLikeQuestion(raw string, words []string) bool {
	if strings.HasSuffix(strings.TrimSpace(raw), "?") {
		return true
	}
	if len(words) == 0 {
		return false
	}
	if _, ok := interrogatives[words[0]]; ok {
		return true
	}
	return hasQuestionClause(words)
}

// hasQuestionClause finds "what is", "why does", "what's the" and the like.
// A bare "what's next" is not a question clause.
func hasQuestionClause(words []string) bool {
	for i := 0; i+1 < len(words); i++ {
		next := words[i+1]
		if _, ok := whWords[words[i]]; ok {
			if _, aux := auxiliaries[next]; aux {
				return true
			}
		}
		if _, ok := whContractions[words[i]]; ok {
			if _, det := determiners[next]; det {
				return true
			}
		}
	}
	return false
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return priority(results[i].Intent) < priority(results[j].Intent)
	})
}

func priority(i Intent) int {
	for idx, known := range All {
		if known == i {
			return idx
		}
	}
	return len(All)
}
