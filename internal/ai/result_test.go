package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseJSONRecoversEmbeddedObject(t *testing.T) {
	cases := map[string]string{
		"plain":   `{"title":"Dune","chapters":[]}`,
		"fenced":  "```json\n{\"title\":\"Dune\",\"chapters\":[]}\n```",
		"prose":   "Here is the metadata you asked for: {\"title\":\"Dune\",\"chapters\":[]} Let me know if you need more.",
		"two":     `note {"x":1} and then {"title":"Dune","chapters":[]} end`,
		"escaped": `Sure! {"title":"Dune","chapters":[],"note":"a } brace"} trailing`,
	}
	for name, in := range cases {
		raw, err := ParseJSON(in)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		var doc struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if doc.Title != "Dune" {
			t.Fatalf("%s: expected title Dune, got %q (raw %s)", name, doc.Title, raw)
		}
	}
}

func TestParseJSONRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "no json here", "{unbalanced", "[1,2,3]"} {
		if _, err := ParseJSON(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestDecodeClassifiesResults(t *testing.T) {
	schema, err := CompileSchema("t.json", `{"type":"object","required":["summary"],"properties":{"summary":{"type":"string"}}}`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if r := Decode(Response{}, errors.New("boom"), schema); r.Kind != ResultServiceError {
		t.Fatalf("expected service error, got %v", r.Kind)
	}
	if r := Decode(Response{Text: "not json"}, nil, schema); r.Kind != ResultMalformed || r.Raw != "not json" {
		t.Fatalf("expected malformed with raw text, got %+v", r)
	}
	if r := Decode(Response{Text: `{"other":1}`}, nil, schema); r.Kind != ResultMalformed {
		t.Fatalf("expected schema mismatch to be malformed, got %v", r.Kind)
	}
	r := Decode(Response{Text: "ok: {\"summary\":\"fine\"}"}, nil, schema)
	if r.Kind != ResultOK {
		t.Fatalf("expected ok, got %v (%v)", r.Kind, r.Err)
	}
	var out struct{ Summary string }
	if err := r.Into(&out); err != nil || out.Summary != "fine" {
		t.Fatalf("Into: %v %+v", err, out)
	}
}

func TestAnthropicStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("missing api key header")
		}
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("k")
	c.baseURL = srv.URL
	_, err := c.Do(context.Background(), Request{Model: "m", Prompt: "hi"})
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestAnthropicJoinsTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"a\":"},{"type":"text","text":"1}"}],"usage":{"input_tokens":3,"output_tokens":2}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("k")
	c.baseURL = srv.URL
	resp, err := c.Do(context.Background(), Request{Model: "m", Prompt: "hi", JSON: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != `{"a":1}` || resp.TokensIn != 3 || resp.TokensOut != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
}
