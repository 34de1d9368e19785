package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubClassifier struct {
	result Result
	err    error
}

func (s stubClassifier) Classify(ctx context.Context, text string) (Result, error) {
	return s.result, s.err
}

func TestGatePassesCleanText(t *testing.T) {
	t.Parallel()
	g := NewGate(stubClassifier{}, nil)
	if res := g.Check(context.Background(), "hello"); res.Flagged {
		t.Fatalf("res = %+v, want clean", res)
	}
}

func TestGateFlagsText(t *testing.T) {
	t.Parallel()
	g := NewGate(stubClassifier{result: Result{Flagged: true, Category: "harassment"}}, nil)
	res := g.Check(context.Background(), "bad")
	if !res.Flagged || res.Category != "harassment" {
		t.Fatalf("res = %+v", res)
	}
}

func TestGateFailsClosed(t *testing.T) {
	t.Parallel()
	g := NewGate(stubClassifier{err: fmt.Errorf("api down")}, nil)
	res := g.Check(context.Background(), "anything")
	if !res.Flagged {
		t.Fatal("classifier failure must flag the input")
	}
	if res.Category != CategoryClassifierError {
		t.Fatalf("category = %q", res.Category)
	}
}

func TestOpenAIClassifier(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["input"] != "some text" {
			t.Errorf("input = %v", body["input"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{
				"flagged":    true,
				"categories": map[string]bool{"violence": true, "hate": false},
			}},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClassifier("key", nil).WithEndpoint(srv.URL)
	res, err := c.Classify(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if !res.Flagged || res.Category != "violence" {
		t.Fatalf("res = %+v", res)
	}
}

func TestOpenAIClassifierClean(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"flagged": false, "categories": map[string]bool{}}},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClassifier("key", nil).WithEndpoint(srv.URL)
	res, err := c.Classify(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Classify error: %v", err)
	}
	if res.Flagged {
		t.Fatalf("res = %+v, want clean", res)
	}
}

func TestOpenAIClassifierHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClassifier("key", nil).WithEndpoint(srv.URL)
	if _, err := c.Classify(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
