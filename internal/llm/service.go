package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cv-pipeline/internal/retry"
	httpx "cv-pipeline/pkg/http"

	"cloud.google.com/go/vertexai/genai"
	"github.com/sirupsen/logrus"
)

type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
	ProviderGroq   Provider = "groq"
	ProviderVertex Provider = "vertex"
	ProviderNone   Provider = "none"
)

var ErrNotConfigured = errors.New("LLM provider not configured")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Completion is one successful chat call.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Cost estimates the dollar cost from token usage; unknown models cost 0.
func (c *Completion) Cost() float64 {
	p, ok := pricing[c.Model]
	if !ok {
		return 0
	}
	return float64(c.PromptTokens)/1000*p.input + float64(c.CompletionTokens)/1000*p.output
}

// per 1K tokens
var pricing = map[string]struct{ input, output float64 }{
	"gpt-4o":        {0.0025, 0.01},
	"gpt-4o-mini":   {0.00015, 0.0006},
	"gpt-4-turbo":   {0.01, 0.03},
	"gpt-4":         {0.03, 0.06},
	"gpt-3.5-turbo": {0.0015, 0.002},
}

// Chatter is what the ranker and the profile extractor depend on.
type Chatter interface {
	Complete(ctx context.Context, messages []Message, models []string) (*Completion, error)
}

type Options struct {
	Provider       string
	APIKey         string
	BaseURL        string // OpenAI-compatible endpoint override
	OllamaURL      string
	VertexProject  string
	VertexLocation string
	Timeout        time.Duration
	Temperature    float32
}

type Service struct {
	provider    Provider
	apiKey      string
	baseURL     string
	ollamaURL   string
	temperature float32
	http        *httpx.Client
	vertex      *genai.Client
	retry       retry.Policy
	log         *logrus.Entry
}

func NewService(ctx context.Context, opts Options, log *logrus.Entry) (*Service, error) {
	s := &Service{
		provider:    Provider(opts.Provider),
		apiKey:      opts.APIKey,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		ollamaURL:   strings.TrimRight(opts.OllamaURL, "/"),
		temperature: opts.Temperature,
		log:         log,
		retry: retry.Policy{
			Retries:   1,
			Backoff:   retry.Linear(time.Second),
			Retryable: httpx.Retryable,
		},
	}
	if s.temperature == 0 {
		s.temperature = 0.4
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	// Local models are slow on large prompts.
	if s.provider == ProviderOllama && timeout < 10*time.Minute {
		timeout = 10 * time.Minute
	}
	s.http = httpx.NewClient(timeout)

	switch s.provider {
	case ProviderOpenAI:
		if s.baseURL == "" {
			s.baseURL = "https://api.openai.com/v1"
		}
	case ProviderGroq:
		if s.baseURL == "" {
			s.baseURL = "https://api.groq.com/openai/v1"
		}
	case ProviderOllama:
		if s.ollamaURL == "" {
			s.ollamaURL = "http://localhost:11434"
		}
	case ProviderVertex:
		if opts.VertexProject == "" {
			return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT environment variable not set")
		}
		location := opts.VertexLocation
		if location == "" {
			location = "us-central1"
		}
		client, err := genai.NewClient(ctx, opts.VertexProject, location)
		if err != nil {
			return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
		}
		s.vertex = client
	case ProviderNone, "":
		s.provider = ProviderNone
	default:
		return nil, fmt.Errorf("unknown provider: %s", s.provider)
	}
	return s, nil
}

func (s *Service) Close() error {
	if s.vertex != nil {
		return s.vertex.Close()
	}
	return nil
}

// Complete tries each model in order and returns the first success.
func (s *Service) Complete(ctx context.Context, messages []Message, models []string) (*Completion, error) {
	if s.provider == ProviderNone {
		return nil, ErrNotConfigured
	}
	models = compactModels(models)
	if len(models) == 0 {
		return nil, errors.New("no models to try")
	}

	var lastErr error
	for _, model := range models {
		var out *Completion
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = s.call(ctx, model, messages)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		s.log.WithFields(logrus.Fields{"model": model, "provider": s.provider}).WithError(err).Warn("model failed, trying next")
	}
	return nil, lastErr
}

func (s *Service) call(ctx context.Context, model string, messages []Message) (*Completion, error) {
	start := time.Now()
	var (
		out *Completion
		err error
	)
	switch s.provider {
	case ProviderOpenAI, ProviderGroq:
		out, err = s.callChatCompletions(ctx, model, messages)
	case ProviderOllama:
		out, err = s.callOllama(ctx, model, messages)
	case ProviderVertex:
		out, err = s.callVertex(ctx, model, messages)
	default:
		return nil, fmt.Errorf("unknown provider: %s", s.provider)
	}
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"model":    model,
		"took":     time.Since(start).String(),
		"response": len(out.Text),
	}).Debug("chat completion")
	return out, nil
}

// callChatCompletions serves OpenAI and Groq, which share the wire format.
func (s *Service) callChatCompletions(ctx context.Context, model string, messages []Message) (*Completion, error) {
	reqBody := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": s.temperature,
	}
	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := s.http.PostJSON(ctx, s.baseURL+"/chat/completions", httpx.Bearer(s.apiKey), reqBody, &result); err != nil {
		return nil, fmt.Errorf("%s API error: %w", s.provider, err)
	}
	if result.Error.Message != "" {
		return nil, retry.Permanent(fmt.Errorf("%s error: %s", s.provider, result.Error.Message))
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return nil, retry.Permanent(fmt.Errorf("no content from %s", s.provider))
	}
	return &Completion{
		Text:             strings.TrimSpace(result.Choices[0].Message.Content),
		Model:            model,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
	}, nil
}

func (s *Service) callOllama(ctx context.Context, model string, messages []Message) (*Completion, error) {
	reqBody := map[string]interface{}{
		"model":    model,
		"messages": messages,
		"stream":   false,
	}
	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
		Error           string `json:"error"`
	}
	if err := s.http.PostJSON(ctx, s.ollamaURL+"/api/chat", nil, reqBody, &result); err != nil {
		return nil, fmt.Errorf("Ollama connection failed (is Ollama running?): %w", err)
	}
	if result.Error != "" {
		return nil, retry.Permanent(fmt.Errorf("Ollama error: %s", result.Error))
	}
	return &Completion{
		Text:             strings.TrimSpace(result.Message.Content),
		Model:            model,
		PromptTokens:     result.PromptEvalCount,
		CompletionTokens: result.EvalCount,
	}, nil
}

func (s *Service) callVertex(ctx context.Context, model string, messages []Message) (*Completion, error) {
	gm := s.vertex.GenerativeModel(model)
	gm.SetTemperature(s.temperature)
	gm.SetTopP(0.95)

	var system []genai.Part
	var prompt []genai.Part
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, genai.Text(m.Content))
			continue
		}
		prompt = append(prompt, genai.Text(m.Content))
	}
	if len(system) > 0 {
		gm.SystemInstruction = &genai.Content{Parts: system}
	}

	resp, err := gm.GenerateContent(ctx, prompt...)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, retry.Permanent(fmt.Errorf("no response candidates returned"))
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	out := &Completion{Text: strings.TrimSpace(b.String()), Model: model}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// compactModels drops blanks and duplicates while keeping order.
func compactModels(models []string) []string {
	seen := make(map[string]bool, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
