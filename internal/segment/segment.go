// Package segment splits lecture text into resumable speech segments.
//
// A segment is the unit of resume tracking: teaching resumes at the first
// segment not fully delivered, so segments are kept short enough to replay
// without annoying the listener and long enough to sound natural.
package segment

import (
	"strings"
	"unicode"
)

// DefaultMaxChars is the soft size limit of one segment.
const DefaultMaxChars = 320

// Split breaks text into ordered segments of at most maxChars characters.
// Paragraph breaks always end a segment; sentences are packed together until
// the limit; a single sentence longer than the limit is cut at word
// boundaries. Markdown list and heading markers are dropped.
func Split(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	var out []string
	for _, para := range paragraphs(text) {
		var cur strings.Builder
		flush := func() {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
		for _, sentence := range Sentences(para) {
			for _, piece := range wrap(sentence, maxChars) {
				if cur.Len() > 0 && cur.Len()+1+len(piece) > maxChars {
					flush()
				}
				if cur.Len() > 0 {
					cur.WriteByte(' ')
				}
				cur.WriteString(piece)
			}
		}
		flush()
	}
	return out
}

// Sentences splits text on '.', '!' and '?' keeping the punctuation. A period
// between two digits is not a boundary.
func Sentences(text string) []string {
	txt := strings.TrimSpace(text)
	if txt == "" {
		return nil
	}
	runes := []rune(txt)
	var chunks []string
	var b strings.Builder
	emit := func() {
		if chunk := strings.Join(strings.Fields(b.String()), " "); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for i, r := range runes {
		b.WriteRune(r)
		switch r {
		case '.':
			if i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
				continue
			}
			if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) && runes[i+1] != '"' && runes[i+1] != ')' {
				continue
			}
			emit()
		case '!', '?':
			if i+1 < len(runes) && (runes[i+1] == '!' || runes[i+1] == '?') {
				continue
			}
			emit()
		}
	}
	emit()
	return chunks
}

func paragraphs(text string) []string {
	var paras []string
	var cur []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = stripMarkup(line)
		if line == "" {
			if len(cur) > 0 {
				paras = append(paras, strings.Join(cur, " "))
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		paras = append(paras, strings.Join(cur, " "))
	}
	return paras
}

func stripMarkup(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "#>")
	line = strings.TrimSpace(line)
	for _, marker := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(line, marker) {
			line = strings.TrimSpace(line[len(marker):])
			if line != "" && !strings.ContainsAny(line[len(line)-1:], ".!?:") {
				line += "."
			}
			break
		}
	}
	return strings.ReplaceAll(line, "**", "")
}

// wrap cuts s at word boundaries into pieces of at most max characters. A
// single word longer than max is kept whole.
func wrap(s string, max int) []string {
	if len(s) <= max {
		return []string{s}
	}
	var out []string
	var cur strings.Builder
	for _, w := range strings.Fields(s) {
		if cur.Len() > 0 && cur.Len()+1+len(w) > max {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
