package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPostJSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"q":"go"}` {
			t.Errorf("body = %s", body)
		}
		w.Write([]byte(`{"answer":42}`))
	}))
	defer srv.Close()

	var out struct {
		Answer int `json:"answer"`
	}
	c := NewClient(5 * time.Second)
	if err := c.PostJSON(context.Background(), srv.URL, Bearer("tok"), map[string]string{"q": "go"}, &out); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if out.Answer != 42 {
		t.Errorf("answer = %d", out.Answer)
	}
}

func TestStatusErrorClassification(t *testing.T) {
	codes := map[int]bool{
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
	}
	for code, retry := range codes {
		code, retry := code, retry
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", code)
		}))
		_, err := NewClient(time.Second).Get(context.Background(), srv.URL, nil)
		srv.Close()

		var se *StatusError
		if !errors.As(err, &se) || se.StatusCode != code {
			t.Fatalf("code %d: err = %v", code, err)
		}
		if Retryable(err) != retry {
			t.Errorf("Retryable(%d) = %v, want %v", code, !retry, retry)
		}
		if !IsStatus(err, code) {
			t.Errorf("IsStatus(%d) = false", code)
		}
	}
}
