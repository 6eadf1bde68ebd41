package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestOllamaIsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest"))
	}))
	defer srv.Close()

	if !NewOllama(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()
	if NewOllama(down.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = true for closed server")
	}
}

func TestOllamaHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest", "mistral-nemo:12b"))
	}))
	defer srv.Close()

	c := NewOllama(srv.URL)
	tests := []struct {
		name string
		want bool
	}{
		{"llama3.1", true},
		{"mistral-nemo", true},
		{"mistral-nemo:12b", true},
		{"phi3.5", false},
	}
	for _, tt := range tests {
		if got := c.HasModel(context.Background(), tt.name); got != tt.want {
			t.Errorf("HasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOllamaGenerate(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"message":{"role":"assistant","content":"done"},"prompt_eval_count":42,"eval_count":7}`))
	}))
	defer srv.Close()

	resp, err := NewOllama(srv.URL).Generate(context.Background(), Request{Model: "llama3.1", System: "sys", User: "u", MaxOutputTokens: 64})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "done" || resp.TokensIn != 42 || resp.TokensOut != 7 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got.Stream {
		t.Error("expected non-streaming request")
	}
	if got.Options["num_predict"] != 64.0 {
		t.Errorf("num_predict = %v", got.Options["num_predict"])
	}
}

func TestEnsureOllamaReadyPullsMissing(t *testing.T) {
	var pulled []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON("llama3.1:latest"))
		case "/api/pull":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			pulled = append(pulled, body["name"].(string))
			w.Write([]byte(`{"status":"downloading","total":100,"completed":50}` + "\n" + `{"status":"success"}` + "\n"))
		case "/api/chat":
			w.Write([]byte(`{"message":{"role":"assistant","content":"pong"}}`))
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := EnsureOllamaReady(context.Background(), NewOllama(srv.URL), []string{"llama3.1", "phi3.5", "llama3.1", ""}, &out)
	if err != nil {
		t.Fatalf("EnsureOllamaReady: %v", err)
	}
	if len(pulled) != 1 || pulled[0] != "phi3.5" {
		t.Errorf("pulled = %v, want [phi3.5]", pulled)
	}
	if !strings.Contains(out.String(), "model llama3.1: warm") {
		t.Errorf("missing warm-up line in output:\n%s", out.String())
	}
}

func TestEnsureOllamaReadyNotRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	var out bytes.Buffer
	if err := EnsureOllamaReady(context.Background(), NewOllama(srv.URL), []string{"llama3.1"}, &out); err == nil {
		t.Fatal("expected error when Ollama is down")
	}
}
