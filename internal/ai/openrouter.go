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

// OpenRouterProvider is the single-key second-tier fallback. No rotation, no
// local throttle: by the time the orchestrator reaches it every better option
// has already failed.
type OpenRouterProvider struct {
	BaseURL      string
	APIKey       string
	Model        string
	SiteURL      string
	AppName      string
	Client       *http.Client // non-streaming calls
	StreamClient *http.Client // streaming calls; no whole-request timeout
}

const openRouterName = "openrouter"

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if model == "" {
		model = "openrouter/auto"
	}
	return &OpenRouterProvider{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		Model:        model,
		SiteURL:      siteURL,
		AppName:      appName,
		Client:       &http.Client{Timeout: 15 * time.Second},
		StreamClient: streamClient(15 * time.Second),
	}
}

func (p *OpenRouterProvider) Name() string             { return openRouterName }
func (p *OpenRouterProvider) Capabilities() Capability { return 0 }

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChatReq struct {
	Model    string          `json:"model"`
	Messages []openRouterMsg `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message      openRouterMsg `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenRouterProvider) newRequest(ctx context.Context, conv Conversation, opts Options, stream bool) (*http.Request, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, NewError(openRouterName, KindConfig, errors.New("api key is required"))
	}
	model := opts.Model
	if model == "" {
		model = p.Model
	}

	msgs := make([]openRouterMsg, 0, len(conv))
	for _, m := range conv {
		msgs = append(msgs, openRouterMsg{Role: m.Role, Content: m.Text()})
	}

	b, err := json.Marshal(openRouterChatReq{Model: model, Messages: msgs, Stream: stream})
	if err != nil {
		return nil, NewError(openRouterName, KindProtocol, err)
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, NewError(openRouterName, KindProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}
	return req, nil
}

func (p *OpenRouterProvider) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return statusError(openRouterName, resp.StatusCode, errors.New(msg))
}

func (p *OpenRouterProvider) Generate(ctx context.Context, conv Conversation, opts Options) (*Completion, error) {
	req, err := p.newRequest(ctx, conv, opts, false)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, NewError(openRouterName, KindOf(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.statusError(resp)
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, NewError(openRouterName, KindProtocol, err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, NewError(openRouterName, KindUpstream, errors.New(decoded.Error.Message))
	}
	if len(decoded.Choices) == 0 || decoded.Choices[0].Message.Content == "" {
		return nil, NewError(openRouterName, KindEmptyStream, errors.New("empty completion"))
	}
	return &Completion{
		Text:         decoded.Choices[0].Message.Content,
		FinishReason: decoded.Choices[0].FinishReason,
	}, nil
}

// Stream emits assistant content deltas parsed from SSE frames.
func (p *OpenRouterProvider) Stream(ctx context.Context, conv Conversation, opts Options) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		req, err := p.newRequest(ctx, conv, opts, true)
		if err != nil {
			errs <- err
			return
		}
		client := p.StreamClient
		if client == nil {
			client = p.Client
		}
		resp, err := client.Do(req)
		if err != nil {
			errs <- NewError(openRouterName, KindOf(err), err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- p.statusError(resp)
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
					errs <- NewError(openRouterName, KindEmptyStream, errors.New("sentinel before any content"))
				}
				return
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- NewError(openRouterName, KindProtocol, err)
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- NewError(openRouterName, KindUpstream, errors.New(decoded.Error.Message))
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
					errs <- NewError(openRouterName, KindOf(ctx.Err()), ctx.Err())
					return
				}
			}
		}

		if err := sc.Err(); err != nil {
			errs <- NewError(openRouterName, KindOf(err), err)
			return
		}
		if !emitted {
			errs <- NewError(openRouterName, KindEmptyStream, errors.New("stream closed before any content"))
		}
	}()

	return chunks, errs
}
