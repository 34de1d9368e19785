package voice

import "testing"

func pushAll(t *testing.T, b Batcher, tokens []string) []string {
	t.Helper()
	var segments []string
	for _, tok := range tokens {
		if seg, ok := b.Push(tok); ok {
			segments = append(segments, seg)
		}
	}
	if seg, ok := b.Flush(); ok {
		segments = append(segments, seg)
	}
	return segments
}

func TestSentenceBatcherFlushesOnPunctuation(t *testing.T) {
	t.Parallel()
	b := NewSentenceBatcher()

	segments := pushAll(t, b, []string{"Hello", " there!", " How", " are", " you?"})
	want := []string{"Hello there!", " How are you?"}
	if len(segments) != len(want) {
		t.Fatalf("segments = %q, want %q", segments, want)
	}
	for i := range want {
		if segments[i] != want[i] {
			t.Errorf("segment[%d] = %q, want %q", i, segments[i], want[i])
		}
	}
}

func TestSentenceBatcherWithholdsWordFragment(t *testing.T) {
	t.Parallel()
	b := NewSentenceBatcher()

	// "won" is a fragment of "wonderful"; it must not flush with the
	// preceding comma-terminated segment.
	if _, ok := b.Push("That's"); ok {
		t.Fatal("unexpected flush before punctuation")
	}
	seg, ok := b.Push(" great,")
	if !ok {
		t.Fatal("expected flush on comma")
	}
	if seg != "That's great," {
		t.Fatalf("segment = %q", seg)
	}

	if _, ok := b.Push("won"); ok {
		t.Fatal("fragment must be withheld")
	}
	seg, ok = b.Push("derful.")
	if !ok {
		t.Fatal("expected flush once the word completed")
	}
	if seg != "wonderful." {
		t.Fatalf("segment = %q, want rejoined word", seg)
	}
}

func TestSentenceBatcherFlushDrainsCarry(t *testing.T) {
	t.Parallel()
	b := NewSentenceBatcher()

	b.Push("trailing")
	seg, ok := b.Flush()
	if !ok {
		t.Fatal("expected flush to return the withheld fragment")
	}
	if seg != "trailing" {
		t.Fatalf("segment = %q", seg)
	}

	if _, ok := b.Flush(); ok {
		t.Fatal("second flush must be empty")
	}
}

func TestSentenceBatcherEmptyTokens(t *testing.T) {
	t.Parallel()
	b := NewSentenceBatcher()
	if _, ok := b.Push(""); ok {
		t.Fatal("empty token must not flush")
	}
	if _, ok := b.Flush(); ok {
		t.Fatal("nothing buffered, flush must be empty")
	}
}

func TestStripForSpeech(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"Hello, world!", "Hello world"},
		{"**bold** #tag", "bold tag"},
		{"no punctuation", "no punctuation"},
		{"...", ""},
	}
	for _, tc := range cases {
		if got := StripForSpeech(tc.in); got != tc.want {
			t.Errorf("StripForSpeech(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
