package core

import "testing"

func TestUsageAdd(t *testing.T) {
	a := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	b := Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5}

	got := a.Add(b)
	want := Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20}
	if got != want {
		t.Errorf("Add = %+v, want %+v", got, want)
	}
}

func TestUsageAddZeroIsIdentity(t *testing.T) {
	u := Usage{PromptTokens: 7, CompletionTokens: 1, TotalTokens: 8}
	if got := u.Add(Usage{}); got != u {
		t.Errorf("Add zero = %+v, want %+v", got, u)
	}
}
