package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestCompleteFallsBackToNextModel(t *testing.T) {
	var tried []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model    string    `json:"model"`
			Messages []Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		tried = append(tried, body.Model)
		if body.Model == "gpt-4o" {
			http.Error(w, `{"error":{"message":"model overloaded"}}`, http.StatusBadRequest)
			return
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != RoleSystem {
			t.Errorf("messages = %+v", body.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":" {\"ok\":true} "}}],"usage":{"prompt_tokens":1000,"completion_tokens":1000}}`))
	}))
	defer srv.Close()

	s, err := NewService(context.Background(), Options{Provider: "openai", APIKey: "k", BaseURL: srv.URL}, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	}, []string{"gpt-4o", "", "gpt-4o-mini", "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Model != "gpt-4o-mini" || out.Text != `{"ok":true}` {
		t.Errorf("completion = %+v", out)
	}
	if !reflect.DeepEqual(tried, []string{"gpt-4o", "gpt-4o-mini"}) {
		t.Errorf("tried = %v", tried)
	}
	if got := out.Cost(); got < 0.00074 || got > 0.00076 {
		t.Errorf("cost = %v", got)
	}
}

func TestCompleteAllModelsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, _ := NewService(context.Background(), Options{Provider: "groq", BaseURL: srv.URL}, quietLog())
	if _, err := s.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, []string{"a", "b"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNoneProvider(t *testing.T) {
	s, err := NewService(context.Background(), Options{Provider: "none"}, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Complete(context.Background(), nil, []string{"m"}); err != ErrNotConfigured {
		t.Errorf("err = %v", err)
	}
}

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"message":{"content":"hello"},"prompt_eval_count":3,"eval_count":2}`))
	}))
	defer srv.Close()

	s, _ := NewService(context.Background(), Options{Provider: "ollama", OllamaURL: srv.URL}, quietLog())
	out, err := s.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, []string{"llama3"})
	if err != nil || out.Text != "hello" || out.PromptTokens != 3 {
		t.Fatalf("out=%+v err=%v", out, err)
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "text-embedding-3-small" {
			t.Errorf("model = %v", body["model"])
		}
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	vec, err := NewOpenAIEmbedder("k", srv.URL, 0).Embed(context.Background(), "text", "text-embedding-3-small")
	if err != nil || len(vec) != 3 {
		t.Fatalf("vec=%v err=%v", vec, err)
	}
}

func TestParseJSON(t *testing.T) {
	plain := `{"overall_rating": 7.5, "skills": ["go"]}`
	fenced := "```json\n" + plain + "\n```"
	if !reflect.DeepEqual(ParseJSON(fenced), ParseJSON(plain)) {
		t.Errorf("fenced = %v, plain = %v", ParseJSON(fenced), ParseJSON(plain))
	}
	if got := ParseJSON("Sure! Here you go: " + plain + " Hope it helps."); got["overall_rating"] != 7.5 {
		t.Errorf("embedded = %v", got)
	}
	prose := []struct {
		name string
		text string
		want float64
	}{
		{"trailing braces", `Verdict: {"overall_rating": 8} -- note: scale is {0..10}`, 8},
		{"leading braces", `Scale {0..10}. Result: {"overall_rating": 6}`, 6},
		{"brace in string", `Result: {"overall_rating": 9, "explanation": "uses } and { freely"} done`, 9},
		{"nested", `ok {"overall_rating": 5, "detail": {"skills": {"go": 1}}} {x}`, 5},
	}
	for _, tt := range prose {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseJSON(tt.text); got["overall_rating"] != tt.want {
				t.Errorf("ParseJSON(%q) = %v", tt.text, got)
			}
		})
	}
	for _, garbage := range []string{"", "not json", "{broken", "} reversed {", "```\n```"} {
		if got := ParseJSON(garbage); got != nil {
			t.Errorf("ParseJSON(%q) = %v, want nil", garbage, got)
		}
	}
}
