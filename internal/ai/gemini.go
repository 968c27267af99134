package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// GeminiProvider speaks the role/parts wire shape and is the only adapter
// that accepts image parts. Auth rejections rotate to the next key and retry
// the same request; 5xx responses back off exponentially on the same key.
type GeminiProvider struct {
	BaseURL      string
	Model        string
	Pool         *CredentialPool
	Client       *http.Client // non-streaming calls
	StreamClient *http.Client // streaming calls; no whole-request timeout

	// backoff schedule for 5xx retries; sleeps double from Base up to Cap
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  int
}

const geminiName = "gemini"

func NewGeminiProvider(baseURL, model string, pool *CredentialPool) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiProvider{
		BaseURL:      baseURL,
		Model:        model,
		Pool:         pool,
		Client:       &http.Client{Timeout: 10 * time.Second},
		StreamClient: streamClient(10 * time.Second),
		BackoffBase:  250 * time.Millisecond,
		BackoffCap:   2 * time.Second,
		MaxRetries:   3,
	}
}

func (p *GeminiProvider) Name() string             { return geminiName }
func (p *GeminiProvider) Capabilities() Capability { return CapMultimodal }

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiChatReq struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiChatResp struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// translate converts the uniform conversation into gemini's contents array.
// The system message (if any) moves into system_instruction; assistant maps
// to "model".
func translateGemini(conv Conversation) ([]geminiContent, *geminiContent) {
	var system *geminiContent
	contents := make([]geminiContent, 0, len(conv))
	for _, m := range conv {
		parts := make([]geminiPart, 0, len(m.Parts))
		for _, pt := range m.Parts {
			switch pt.Type {
			case "text":
				if pt.Text != "" {
					parts = append(parts, geminiPart{Text: pt.Text})
				}
			default:
				parts = append(parts, geminiPart{InlineData: &geminiInlineData{
					MIMEType: pt.MIMEType,
					Data:     base64.StdEncoding.EncodeToString(pt.Data),
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		switch m.Role {
		case "system":
			system = &geminiContent{Parts: parts}
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: parts})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: parts})
		}
	}
	return contents, system
}

func (p *GeminiProvider) endpoint(model, method, key string) string {
	url := fmt.Sprintf("%s/models/%s:%s", strings.TrimRight(p.BaseURL, "/"), model, method)
	sep := "?"
	if strings.Contains(method, "?") {
		sep = "&"
	}
	return url + sep + "key=" + key
}

func (p *GeminiProvider) newRequest(ctx context.Context, conv Conversation, opts Options, method, key string) (*http.Request, error) {
	model := opts.Model
	if model == "" {
		model = p.Model
	}
	contents, system := translateGemini(conv)
	body := geminiChatReq{Contents: contents, SystemInstruction: system}
	body.GenerationConfig.Temperature = opts.Temperature
	body.GenerationConfig.MaxOutputTokens = opts.MaxTokens

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(model, method, key), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do runs one request with credential rotation on auth failures and bounded
// exponential backoff on 5xx. The attempt budget covers both cases.
func (p *GeminiProvider) do(ctx context.Context, client *http.Client, build func(key string) (*http.Request, error)) (*http.Response, error) {
	if p.Pool == nil || p.Pool.Len() == 0 {
		return nil, NewError(geminiName, KindConfig, errors.New("no api keys configured"))
	}

	key, _ := p.Pool.Current()
	delay := p.BackoffBase
	budget := p.MaxRetries
	if n := p.Pool.Len(); n > budget {
		budget = n
	}

	var lastErr error
	for attempt := 0; attempt <= budget; attempt++ {
		req, err := build(key)
		if err != nil {
			return nil, NewError(geminiName, KindProtocol, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, NewError(geminiName, KindOf(err), err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		resp.Body.Close()
		lastErr = statusError(geminiName, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode))

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			// rotate and retry the same request against the next slot;
			// pointless when only one key exists
			if p.Pool.Len() < 2 {
				return nil, lastErr
			}
			key, _ = p.Pool.Rotate()
		case resp.StatusCode >= 500:
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, NewError(geminiName, KindOf(ctx.Err()), ctx.Err())
			case <-timer.C:
			}
			if delay *= 2; delay > p.BackoffCap {
				delay = p.BackoffCap
			}
		default:
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (p *GeminiProvider) Generate(ctx context.Context, conv Conversation, opts Options) (*Completion, error) {
	resp, err := p.do(ctx, p.Client, func(key string) (*http.Request, error) {
		return p.newRequest(ctx, conv, opts, "generateContent", key)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded geminiChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, NewError(geminiName, KindProtocol, err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, NewError(geminiName, KindUpstream, errors.New(decoded.Error.Message))
	}
	if len(decoded.Candidates) == 0 {
		return nil, NewError(geminiName, KindEmptyStream, errors.New("no candidates"))
	}
	var text string
	for _, part := range decoded.Candidates[0].Content.Parts {
		text += part.Text
	}
	if text == "" {
		return nil, NewError(geminiName, KindEmptyStream, errors.New("candidate without text"))
	}
	return &Completion{
		Text:         text,
		FinishReason: decoded.Candidates[0].FinishReason,
		PromptTokens: decoded.UsageMetadata.PromptTokenCount,
		OutputTokens: decoded.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// Stream reads the streamGenerateContent NDJSON feed: one structured chunk
// per line, each shaped like a non-streaming response.
func (p *GeminiProvider) Stream(ctx context.Context, conv Conversation, opts Options) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		client := p.StreamClient
		if client == nil {
			client = p.Client
		}
		resp, err := p.do(ctx, client, func(key string) (*http.Request, error) {
			return p.newRequest(ctx, conv, opts, "streamGenerateContent?alt=jsonl", key)
		})
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		emitted := false
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var decoded geminiChatResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				errs <- NewError(geminiName, KindProtocol, err)
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- NewError(geminiName, KindUpstream, errors.New(decoded.Error.Message))
				return
			}
			for _, cand := range decoded.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text == "" {
						continue
					}
					select {
					case chunks <- part.Text:
						emitted = true
					case <-ctx.Done():
						errs <- NewError(geminiName, KindOf(ctx.Err()), ctx.Err())
						return
					}
				}
			}
		}

		if err := sc.Err(); err != nil {
			errs <- NewError(geminiName, KindOf(err), err)
			return
		}
		if !emitted {
			errs <- NewError(geminiName, KindEmptyStream, errors.New("stream closed before any content"))
		}
	}()

	return chunks, errs
}
