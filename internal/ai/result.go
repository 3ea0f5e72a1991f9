package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ResultKind classifies the outcome of a completion call.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultMalformed
	ResultServiceError
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultMalformed:
		return "malformed"
	case ResultServiceError:
		return "service_error"
	}
	return "unknown"
}

// Result is the typed view of a structured completion: the decoded JSON
// document, a malformed reply (Raw keeps the text), or a service failure.
type Result struct {
	Kind  ResultKind
	Value json.RawMessage
	Raw   string
	Err   error
}

// Decode classifies a completion. A non-nil err is a service error; a reply
// whose JSON cannot be recovered, or that fails schema validation, is
// malformed. schema may be nil.
func Decode(resp Response, err error, schema *jsonschema.Schema) Result {
	if err != nil {
		return Result{Kind: ResultServiceError, Err: err}
	}
	raw, perr := ParseJSON(resp.Text)
	if perr != nil {
		return Result{Kind: ResultMalformed, Raw: resp.Text, Err: perr}
	}
	if schema != nil {
		if verr := Validate(schema, raw); verr != nil {
			return Result{Kind: ResultMalformed, Value: raw, Raw: resp.Text, Err: verr}
		}
	}
	return Result{Kind: ResultOK, Value: raw, Raw: resp.Text}
}

// Into unmarshals the recovered value.
func (r Result) Into(v any) error {
	if len(r.Value) == 0 {
		return errors.New("no structured value")
	}
	return json.Unmarshal(r.Value, v)
}

// ParseJSON recovers a JSON object from model output. It tries the text as
// is, then with markdown code fences removed, then the largest balanced
// {...} block embedded in surrounding prose.
func ParseJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyResponse
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" && stripped != content {
		candidates = append(candidates, stripped)
	}
	if block := largestObject(content); block != "" && block != content {
		candidates = append(candidates, block)
	}

	for _, candidate := range candidates {
		var parsed any
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			continue
		}
		if _, ok := parsed.(map[string]any); !ok {
			continue
		}
		normalized, err := json.Marshal(parsed)
		if err != nil {
			return nil, fmt.Errorf("normalize structured output: %w", err)
		}
		return normalized, nil
	}
	return nil, errors.New("no JSON object in response")
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "```")
	if start < 0 {
		return ""
	}
	rest := trimmed[start+3:]
	// drop the language tag line
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return ""
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// largestObject returns the longest balanced {...} span that parses as a
// JSON object. Braces inside string literals are ignored.
func largestObject(s string) string {
	best := ""
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end := matchBrace(s, i)
		if end < 0 {
			continue
		}
		span := s[i : end+1]
		if len(span) > len(best) && json.Valid([]byte(span)) {
			best = span
		}
		if len(best) > 0 && i+len(best) >= len(s) {
			break
		}
	}
	return best
}

func matchBrace(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// CompileSchema compiles a JSON Schema document held in memory.
func CompileSchema(name, schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader([]byte(schema))); err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return s, nil
}

// Validate checks a decoded JSON value against schema.
func Validate(schema *jsonschema.Schema, raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("response does not match schema: %w", err)
	}
	return nil
}
