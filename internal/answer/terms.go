package answer

import (
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		the a an and or but nor so yet to of in on at by for from with about into onto over under
		is are was were be been being am it its it's this that these those there here then than
		i me my we our you your he she they them their his her what which who whom whose when where
		why how do does did doing done can could would should will shall may might must have has had
		not no yes if else just also very really too much many more most some any all each every
		uh um like okay ok please tell explain mean means meaning thing things something anything
		work works working use used using get gets make makes made way ways kind sort lot
		one two first second again still even only own same other such again`) {
		stopwords[w] = struct{}{}
	}
}

// Terms returns the distinct significant terms of text: lowercase words of
// three or more letters that are not stopwords, with a light plural fold.
func Terms(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}) {
		tok = strings.Trim(tok, "'")
		if len(tok) < 3 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		tok = stem(tok)
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 4 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && !strings.HasSuffix(w, "us"):
		return w[:len(w)-1]
	}
	return w
}

// Overlap returns the significant terms of question that occur in topicTerms,
// sorted for stable output.
func Overlap(question string, topicTerms []string) []string {
	if len(topicTerms) == 0 {
		return nil
	}
	topic := make(map[string]struct{}, len(topicTerms))
	for _, t := range topicTerms {
		topic[t] = struct{}{}
	}
	var shared []string
	for _, t := range Terms(question) {
		if _, ok := topic[t]; ok {
			shared = append(shared, t)
		}
	}
	sort.Strings(shared)
	return shared
}
