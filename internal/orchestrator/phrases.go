package orchestrator

import (
	"strings"
	"unicode/utf8"
)

// exitPhrases is the closed set of utterances that end a conversation.
var exitPhrases = map[string]struct{}{
	"exit": {},
	"quit": {},
	"bye":  {},
}

// IsExitPhrase reports whether text, ignoring case and surrounding
// whitespace, is exactly one of "exit", "quit" or "bye". "Bye now" is not.
func IsExitPhrase(text string) bool {
	_, ok := exitPhrases[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

// SplitSentences breaks text into fragments of at most limit characters for
// backends that bound their input unit size. Fragments end on sentence
// boundaries: consecutive sentences are packed together while they fit. A
// single sentence longer than limit is broken between words, and a single word
// longer than limit is cut. A limit of zero or less returns the whole text as one
// fragment. Blank text yields no fragments.
func SplitSentences(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	return pack(sentences(text), limit, words)
}

// pack joins parts with single spaces into fragments of at most limit runes.
// Parts longer than limit are first broken down with split.
func pack(parts []string, limit int, split func(string, int) []string) []string {
	var (
		out []string
		cur strings.Builder
		n   int
	)
	for _, part := range parts {
		pieces := []string{part}
		if utf8.RuneCountInString(part) > limit {
			pieces = split(part, limit)
		}
		for _, p := range pieces {
			pl := utf8.RuneCountInString(p)
			if n > 0 && n+1+pl > limit {
				out = append(out, cur.String())
				cur.Reset()
				n = 0
			}
			if n > 0 {
				cur.WriteByte(' ')
				n++
			}
			cur.WriteString(p)
			n += pl
		}
	}
	if n > 0 {
		out = append(out, cur.String())
	}
	return out
}

// words packs the words of one oversized sentence.
func words(s string, limit int) []string {
	return pack(strings.Fields(s), limit, cut)
}

// cut splits s into chunks of at most limit runes. It is the last resort
// for a word that does not fit a fragment on its own.
func cut(s string, limit int) []string {
	var out []string
	r := []rune(s)
	for len(r) > limit {
		out = append(out, string(r[:limit]))
		r = r[limit:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}

// sentences splits text at every sentence boundary.
func sentences(text string) []string {
	var out []string
	rest := text
	for rest != "" {
		idx := firstSentenceBoundary(rest)
		if idx < 0 {
			out = append(out, strings.TrimSpace(rest))
			break
		}
		out = append(out, rest[:idx+1])
		rest = strings.TrimLeft(rest[idx+1:], " \t\n\r")
	}
	return out
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by a whitespace character (' ', '\n',
// '\r', or '\t'). Returns -1 if no such boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
