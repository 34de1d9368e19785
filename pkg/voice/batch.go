// Package voice batches generated tokens into speakable segments and keeps
// synthesized audio in order on the way out.
package voice

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Batcher segments an append-only token stream into units worth synthesizing.
// Push feeds one token; Flush drains whatever remains when generation ends.
// Implementations are not safe for concurrent use.
type Batcher interface {
	Push(token string) (segment string, ok bool)
	Flush() (segment string, ok bool)
}

// SentenceBatcher flushes on sentence-terminating punctuation. A token that
// ends mid-word (trailing alphanumeric) is withheld and prefixed onto the
// next token so synthesis never sees a truncated word. The heuristic is
// tuned for English tokenization; other languages plug in their own Batcher.
type SentenceBatcher struct {
	buf   []string
	carry string
}

// NewSentenceBatcher creates an empty batcher.
func NewSentenceBatcher() *SentenceBatcher {
	return &SentenceBatcher{}
}

// Push appends a token and reports a flushed segment when the newest buffered
// token carries a sentence terminator.
func (b *SentenceBatcher) Push(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	if b.carry != "" {
		token = b.carry + token
		b.carry = ""
	}

	b.buf = append(b.buf, token)
	if endsMidWord(token) {
		b.buf = b.buf[:len(b.buf)-1]
		b.carry = token
	}

	if len(b.buf) > 0 && strings.ContainsAny(b.buf[len(b.buf)-1], ".!?;,") {
		return b.drain(), true
	}
	return "", false
}

// Flush returns any buffered remainder, including a withheld word fragment.
func (b *SentenceBatcher) Flush() (string, bool) {
	if b.carry != "" {
		b.buf = append(b.buf, b.carry)
		b.carry = ""
	}
	if len(b.buf) == 0 {
		return "", false
	}
	return b.drain(), true
}

func (b *SentenceBatcher) drain() string {
	segment := strings.Join(b.buf, " ")
	b.buf = b.buf[:0]
	return segment
}

func endsMidWord(token string) bool {
	r, size := utf8.DecodeLastRuneInString(token)
	if size == 0 || r == utf8.RuneError {
		return false
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

var speechStripRe = regexp.MustCompile(`[,.!?;*#]`)

// StripForSpeech removes residual punctuation and markup characters before a
// segment is handed to synthesis.
func StripForSpeech(text string) string {
	return strings.TrimSpace(speechStripRe.ReplaceAllString(text, ""))
}
