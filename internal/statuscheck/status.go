package statuscheck

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "time"
)

// Pinger models the minimal capability we need from Redis and the artifact
// store for status checks.
type Pinger interface {
    Ping(ctx context.Context) error
}

// Checker aggregates health checks for the external services the pipeline uses.
type Checker struct {
    redis        Pinger
    storage      Pinger
    storageName  string
    httpClient   *http.Client
    openAIKey    string
    anthropicKey string
    geminiKey    string
    ttsEngine    string
    ttsKey       string
    baseURLs     map[string]string
}

// Options configures the Checker. Storage may be nil for backends that
// need no connectivity check.
type Options struct {
    Redis        Pinger
    Storage      Pinger
    StorageName  string
    HTTPClient   *http.Client
    OpenAIKey    string
    AnthropicKey string
    GeminiKey    string
    TTSEngine    string
    TTSKey       string
    // BaseURLs overrides provider endpoints, keyed by provider name.
    BaseURLs map[string]string
}

// Status represents the readiness of a subsystem.
type Status struct {
    OK      bool   `json:"ok"`
    Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
    Redis     Status `json:"redis"`
    Storage   Status `json:"storage"`
    OpenAI    Status `json:"openai"`
    Anthropic Status `json:"anthropic"`
    Gemini    Status `json:"gemini"`
    TTS       Status `json:"tts"`
}

var defaultBaseURLs = map[string]string{
    "openai":    "https://api.openai.com",
    "anthropic": "https://api.anthropic.com",
    "gemini":    "https://generativelanguage.googleapis.com",
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
    client := opts.HTTPClient
    if client == nil {
        client = &http.Client{Timeout: 5 * time.Second}
    }
    urls := make(map[string]string, len(defaultBaseURLs))
    for k, v := range defaultBaseURLs {
        urls[k] = v
    }
    for k, v := range opts.BaseURLs {
        urls[k] = strings.TrimRight(v, "/")
    }
    name := opts.StorageName
    if name == "" {
        name = "local"
    }
    return &Checker{
        redis:        opts.Redis,
        storage:      opts.Storage,
        storageName:  name,
        httpClient:   client,
        openAIKey:    strings.TrimSpace(opts.OpenAIKey),
        anthropicKey: strings.TrimSpace(opts.AnthropicKey),
        geminiKey:    strings.TrimSpace(opts.GeminiKey),
        ttsEngine:    strings.ToLower(strings.TrimSpace(opts.TTSEngine)),
        ttsKey:       strings.TrimSpace(opts.TTSKey),
        baseURLs:     urls,
    }
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
    return Summary{
        Redis:     c.checkRedis(ctx),
        Storage:   c.checkStorage(ctx),
        OpenAI:    c.checkOpenAI(ctx),
        Anthropic: c.checkAnthropic(ctx),
        Gemini:    c.checkGemini(ctx),
        TTS:       c.checkTTS(),
    }
}

func (c *Checker) checkRedis(ctx context.Context) Status {
    if c.redis == nil {
        return Status{OK: false, Message: "client unavailable"}
    }
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    if err := c.redis.Ping(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkStorage(ctx context.Context) Status {
    if c.storage == nil {
        return Status{OK: true, Message: c.storageName}
    }
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := c.storage.Ping(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: c.storageName + " connected"}
}

func (c *Checker) checkOpenAI(ctx context.Context) Status {
    if c.openAIKey == "" {
        return Status{OK: false, Message: "API key missing"}
    }
    req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURLs["openai"]+"/v1/models?limit=1", nil)
    req.Header.Set("Authorization", "Bearer "+c.openAIKey)
    return c.probe(req)
}

func (c *Checker) checkAnthropic(ctx context.Context) Status {
    if c.anthropicKey == "" {
        return Status{OK: false, Message: "API key missing"}
    }
    req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURLs["anthropic"]+"/v1/models", nil)
    req.Header.Set("x-api-key", c.anthropicKey)
    req.Header.Set("anthropic-version", "2023-06-01")
    return c.probe(req)
}

func (c *Checker) checkGemini(ctx context.Context) Status {
    if c.geminiKey == "" {
        return Status{OK: false, Message: "API key missing"}
    }
    req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURLs["gemini"]+"/v1beta/models?pageSize=1", nil)
    req.Header.Set("x-goog-api-key", c.geminiKey)
    return c.probe(req)
}

func (c *Checker) checkTTS() Status {
    switch c.ttsEngine {
    case "", "none":
        return Status{OK: false, Message: "Narration disabled"}
    case "openai":
        if c.ttsKey == "" {
            return Status{OK: false, Message: "API key missing"}
        }
        return Status{OK: true, Message: "Configured"}
    default:
        return Status{OK: false, Message: "Unknown engine " + c.ttsEngine}
    }
}

func (c *Checker) probe(req *http.Request) Status {
    resp, err := c.httpClient.Do(req)
    if err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    defer resp.Body.Close()
    if resp.StatusCode >= 400 {
        return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
    }
    return Status{OK: true, Message: "Available"}
}

func trimError(err error) string {
    if err == nil {
        return ""
    }
    var netErr interface{ Timeout() bool }
    if errors.As(err, &netErr) && netErr.Timeout() {
        return "timeout"
    }
    msg := err.Error()
    if len(msg) > 120 {
        return msg[:120]
    }
    return msg
}
