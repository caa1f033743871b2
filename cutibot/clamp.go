package cutibot

import (
	"strings"
	"unicode"
)

// splitSentences splits text into sentences at runs of '.', '!' or '?'
// that are followed by whitespace (or the end of the text). Each
// sentence keeps its terminal punctuation and is trimmed. Empty
// fragments are dropped.
func splitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0

	flush := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			sentences = append(sentences, s)
		}
		start = end
	}

	for i := 0; i < len(runes); i++ {
		if !isSentenceTerminal(runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && isSentenceTerminal(runes[j+1]) {
			j++
		}
		if j+1 == len(runes) || unicode.IsSpace(runes[j+1]) {
			flush(j + 1)
		}
		i = j
	}
	flush(len(runes))
	return sentences
}

func isSentenceTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// clampSentences returns at most count sentences from text, joined by
// a single space. If the last kept sentence has no terminal
// punctuation, a period is appended. Empty input, or a count < 1,
// returns "".
func clampSentences(text string, count int) string {
	if count < 1 {
		return ""
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}
	if len(sentences) > count {
		sentences = sentences[:count]
	}
	last := []rune(sentences[len(sentences)-1])
	if !isSentenceTerminal(last[len(last)-1]) {
		sentences[len(sentences)-1] += "."
	}
	return strings.Join(sentences, " ")
}
