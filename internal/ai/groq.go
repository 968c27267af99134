package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GroqProvider is the multi-credential chat-completions adapter. The fast
// default model runs on whichever slot the pool cursor points at; the deep
// reasoning model is pinned to one configured slot and is unavailable without
// it. Text parts only.
type GroqProvider struct {
	BaseURL      string
	FastModel    string
	ReasonModel  string
	ReasonSlot   int // -1 when no slot is configured for the reasoning model
	Pool         *CredentialPool
	Tracker      *RateTracker
	Client       *http.Client // non-streaming calls
	StreamClient *http.Client // streaming calls; no whole-request timeout
}

const groqName = "groq"

func NewGroqProvider(baseURL, fastModel, reasonModel string, reasonSlot int, pool *CredentialPool, tracker *RateTracker) *GroqProvider {
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	if fastModel == "" {
		fastModel = "llama-3.3-70b-versatile"
	}
	if reasonModel == "" {
		reasonModel = "deepseek-r1-distill-llama-70b"
	}
	if tracker == nil {
		tracker = NewRateTracker()
	}
	return &GroqProvider{
		BaseURL:      baseURL,
		FastModel:    fastModel,
		ReasonModel:  reasonModel,
		ReasonSlot:   reasonSlot,
		Pool:         pool,
		Tracker:      tracker,
		Client:       &http.Client{Timeout: 8 * time.Second},
		StreamClient: streamClient(8 * time.Second),
	}
}

func (p *GroqProvider) Name() string             { return groqName }
func (p *GroqProvider) Capabilities() Capability { return CapReasoning }

type groqMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type groqChatReq struct {
	Model       string    `json:"model"`
	Messages    []groqMsg `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type groqChatResp struct {
	Choices []struct {
		Message      groqMsg `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type groqStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// pickCredential resolves the key/slot for the requested model. The reasoning
// model only ever runs on its pinned slot; anything else uses the pool cursor.
func (p *GroqProvider) pickCredential(model string) (key string, slot int, err error) {
	if p.Pool == nil || p.Pool.Len() == 0 {
		return "", -1, NewError(groqName, KindConfig, errors.New("no api keys configured"))
	}
	if model == p.ReasonModel {
		if p.ReasonSlot < 0 {
			return "", -1, NewError(groqName, KindConfig, errors.New("reasoning model has no credential slot"))
		}
		key, ok := p.Pool.Slot(p.ReasonSlot)
		if !ok {
			return "", -1, NewError(groqName, KindConfig,
				fmt.Errorf("reasoning credential slot %d is not configured", p.ReasonSlot))
		}
		return key, p.ReasonSlot, nil
	}
	key, slot = p.Pool.Current()
	return key, slot, nil
}

func trackerKey(slot int) string { return fmt.Sprintf("%s:%d", groqName, slot) }

func (p *GroqProvider) buildRequest(ctx context.Context, conv Conversation, opts Options, key string, stream bool) (*http.Request, error) {
	model := opts.Model
	if model == "" {
		model = p.FastModel
	}
	msgs := make([]groqMsg, 0, len(conv))
	for _, m := range conv {
		msgs = append(msgs, groqMsg{Role: m.Role, Content: m.Text()})
	}
	body := groqChatReq{
		Model:       model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	return req, nil
}

// preflight consults the local tracker and records the attempt. Returns the
// credential for the call.
func (p *GroqProvider) preflight(opts Options) (string, int, error) {
	model := opts.Model
	if model == "" {
		model = p.FastModel
	}
	key, slot, err := p.pickCredential(model)
	if err != nil {
		return "", -1, err
	}
	id := trackerKey(slot)
	if p.Tracker.IsLimited(id) {
		return "", -1, NewError(groqName, KindRateLimited, fmt.Errorf("slot %d locally throttled", slot))
	}
	p.Tracker.RecordAttempt(id)
	return key, slot, nil
}

func (p *GroqProvider) classifyStatus(resp *http.Response, slot int) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		p.Tracker.RecordHardLimit(trackerKey(slot))
	}
	return statusError(groqName, resp.StatusCode, errors.New(msg))
}

func (p *GroqProvider) Generate(ctx context.Context, conv Conversation, opts Options) (*Completion, error) {
	key, slot, err := p.preflight(opts)
	if err != nil {
		return nil, err
	}
	req, err := p.buildRequest(ctx, conv, opts, key, false)
	if err != nil {
		return nil, NewError(groqName, KindProtocol, err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, NewError(groqName, KindOf(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.classifyStatus(resp, slot)
	}

	var decoded groqChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, NewError(groqName, KindProtocol, err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, NewError(groqName, KindUpstream, errors.New(decoded.Error.Message))
	}
	if len(decoded.Choices) == 0 || decoded.Choices[0].Message.Content == "" {
		return nil, NewError(groqName, KindEmptyStream, errors.New("empty completion"))
	}
	return &Completion{
		Text:         decoded.Choices[0].Message.Content,
		FinishReason: decoded.Choices[0].FinishReason,
		PromptTokens: decoded.Usage.PromptTokens,
		OutputTokens: decoded.Usage.CompletionTokens,
	}, nil
}

// Stream emits content deltas parsed from SSE "data:" frames. A [DONE]
// sentinel with no content emitted beforehand is an error, not an empty
// success: callers must fall back instead of rendering nothing.
func (p *GroqProvider) Stream(ctx context.Context, conv Conversation, opts Options) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		key, slot, err := p.preflight(opts)
		if err != nil {
			errs <- err
			return
		}
		req, err := p.buildRequest(ctx, conv, opts, key, true)
		if err != nil {
			errs <- NewError(groqName, KindProtocol, err)
			return
		}
		client := p.StreamClient
		if client == nil {
			client = p.Client
		}
		resp, err := client.Do(req)
		if err != nil {
			errs <- NewError(groqName, KindOf(err), err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- p.classifyStatus(resp, slot)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		emitted := false
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				if !emitted {
					errs <- NewError(groqName, KindEmptyStream, errors.New("sentinel before any content"))
				}
				return
			}
			var decoded groqStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- NewError(groqName, KindProtocol, err)
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- NewError(groqName, KindUpstream, errors.New(decoded.Error.Message))
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			if delta := decoded.Choices[0].Delta.Content; delta != "" {
				select {
				case chunks <- delta:
					emitted = true
				case <-ctx.Done():
					errs <- NewError(groqName, KindOf(ctx.Err()), ctx.Err())
					return
				}
			}
		}

		if err := sc.Err(); err != nil {
			errs <- NewError(groqName, KindOf(err), err)
			return
		}
		if !emitted {
			errs <- NewError(groqName, KindEmptyStream, errors.New("stream closed before any content"))
		}
	}()

	return chunks, errs
}
