package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/luminachat/lumina/internal/ai"
)

// scriptedProvider plays back a fixed sequence of outcomes, one per Stream
// call. An outcome is either deltas to emit or an error (optionally after
// some deltas).
type outcome struct {
	deltas []string
	err    error
}

type scriptedProvider struct {
	name     string
	caps     ai.Capability
	script   []outcome
	calls    int
	confErr  error
	lastConv ai.Conversation
}

func (p *scriptedProvider) Name() string                 { return p.name }
func (p *scriptedProvider) Capabilities() ai.Capability  { return p.caps }
func (p *scriptedProvider) CheckConfig(mod string) error { return p.confErr }

func (p *scriptedProvider) next() outcome {
	if p.calls >= len(p.script) {
		return outcome{err: ai.NewError(p.name, ai.KindUpstream, errors.New("script exhausted"))}
	}
	o := p.script[p.calls]
	p.calls++
	return o
}

func (p *scriptedProvider) Generate(ctx context.Context, conv ai.Conversation, opts ai.Options) (*ai.Completion, error) {
	p.lastConv = conv
	o := p.next()
	if o.err != nil {
		return nil, o.err
	}
	return &ai.Completion{Text: strings.Join(o.deltas, "")}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, conv ai.Conversation, opts ai.Options) (<-chan string, <-chan error) {
	p.lastConv = conv
	chunks := make(chan string, 16)
	errs := make(chan error, 1)
	o := p.next()
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, d := range o.deltas {
			chunks <- d
		}
		if o.err != nil {
			errs <- o.err
		}
	}()
	return chunks, errs
}

func timeoutErr(name string) error {
	return ai.NewError(name, ai.KindTimeout, errors.New("deadline"))
}

// drain consumes an orchestrator stream; the two-value Stream call can feed
// it directly.
func drain(chunks <-chan string, errs <-chan error) (string, error) {
	var full string
	for c := range chunks {
		full += c
	}
	return full, <-errs
}

func newTestOrchestrator(providers ...ai.Provider) *Orchestrator {
	reg := ai.NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	return NewOrchestrator(reg, "reason-model")
}

func TestOrchestrator_FallsBackAfterPrimaryTimeouts(t *testing.T) {
	groq := &scriptedProvider{name: "groq", script: []outcome{
		{err: timeoutErr("groq")},
		{err: timeoutErr("groq")},
		{err: timeoutErr("groq")},
	}}
	gemini := &scriptedProvider{name: "gemini", caps: ai.CapMultimodal, script: []outcome{
		{deltas: []string{"from ", "fallback"}},
	}}

	o := newTestOrchestrator(groq, gemini)
	full, err := drain(o.Stream(context.Background(), testConversation(), Mode{}, ai.Options{}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if full != "from fallback" {
		t.Fatalf("expected fallback content, got %q", full)
	}
	if groq.calls != 3 {
		t.Fatalf("expected groq to burn its 3 attempts, got %d", groq.calls)
	}
	if gemini.calls != 1 {
		t.Fatalf("expected one gemini call, got %d", gemini.calls)
	}
}

func TestOrchestrator_ExhaustionNamesEveryAttempt(t *testing.T) {
	groq := &scriptedProvider{name: "groq", script: []outcome{
		{err: timeoutErr("groq")},
		{err: timeoutErr("groq")},
		{err: timeoutErr("groq")},
	}}
	gemini := &scriptedProvider{name: "gemini", caps: ai.CapMultimodal, script: []outcome{
		{err: ai.NewError("gemini", ai.KindUpstream, errors.New("boom"))},
		{err: ai.NewError("gemini", ai.KindUpstream, errors.New("boom"))},
	}}
	router := &scriptedProvider{name: "openrouter", script: []outcome{
		{err: ai.NewError("openrouter", ai.KindEmptyStream, errors.New("nothing"))},
	}}

	o := newTestOrchestrator(groq, gemini, router)
	full, err := drain(o.Stream(context.Background(), testConversation(), Mode{}, ai.Options{}))
	if full != "" {
		t.Fatalf("expected no content, got %q", full)
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if len(ex.Attempts) != 6 {
		t.Fatalf("expected 6 recorded attempts, got %d", len(ex.Attempts))
	}
	msg := ex.Error()
	for _, name := range []string{"groq", "gemini", "openrouter"} {
		if !strings.Contains(msg, name) {
			t.Fatalf("aggregated error should name %s: %s", name, msg)
		}
	}
}

func TestOrchestrator_AttachmentsSkipNonMultimodal(t *testing.T) {
	groq := &scriptedProvider{name: "groq", script: []outcome{{deltas: []string{"never"}}}}
	gemini := &scriptedProvider{name: "gemini", caps: ai.CapMultimodal, script: []outcome{
		{deltas: []string{"image answer"}},
	}}

	o := newTestOrchestrator(groq, gemini)
	full, err := drain(o.Stream(context.Background(), testConversation(), Mode{HasAttachments: true}, ai.Options{}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if full != "image answer" {
		t.Fatalf("expected gemini to answer, got %q", full)
	}
	if groq.calls != 0 {
		t.Fatalf("non-multimodal adapter must never be attempted with attachments")
	}
}

func TestOrchestrator_ReasoningUsesReasonModelFirst(t *testing.T) {
	groq := &scriptedProvider{name: "groq", caps: ai.CapReasoning, script: []outcome{
		{deltas: []string{"deep thought"}},
	}}
	gemini := &scriptedProvider{name: "gemini", caps: ai.CapMultimodal, script: nil}

	reg := ai.NewRegistry()
	reg.Register(groq)
	reg.Register(gemini)
	o := NewOrchestrator(reg, "reason-model")

	full, err := drain(o.Stream(context.Background(), testConversation(), Mode{Reasoning: true}, ai.Options{}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if full != "deep thought" {
		t.Fatalf("expected reasoning answer, got %q", full)
	}
	if gemini.calls != 0 {
		t.Fatalf("fallback should not fire on success")
	}
}

func TestOrchestrator_ConfigErrorIsFatal(t *testing.T) {
	groq := &scriptedProvider{name: "groq", script: []outcome{
		{err: ai.NewError("groq", ai.KindConfig, errors.New("reasoning slot missing"))},
	}}
	gemini := &scriptedProvider{name: "gemini", caps: ai.CapMultimodal, script: []outcome{
		{deltas: []string{"should not run"}},
	}}

	o := newTestOrchestrator(groq, gemini)
	_, err := drain(o.Stream(context.Background(), testConversation(), Mode{Reasoning: true}, ai.Options{}))
	if ai.KindOf(err) != ai.KindConfig {
		t.Fatalf("expected config error to propagate, got %v", err)
	}
	if gemini.calls != 0 {
		t.Fatalf("fatal errors must not fall back")
	}
}

func TestOrchestrator_MidStreamErrorIsTerminal(t *testing.T) {
	groq := &scriptedProvider{name: "groq", script: []outcome{
		{deltas: []string{"partial "}, err: ai.NewError("groq", ai.KindUpstream, errors.New("cut off"))},
	}}
	gemini := &scriptedProvider{name: "gemini", caps: ai.CapMultimodal, script: []outcome{
		{deltas: []string{"retry output"}},
	}}

	o := newTestOrchestrator(groq, gemini)
	full, err := drain(o.Stream(context.Background(), testConversation(), Mode{}, ai.Options{}))
	if err == nil {
		t.Fatalf("expected terminal error after truncation")
	}
	if full != "partial " {
		t.Fatalf("already-relayed deltas stay delivered, got %q", full)
	}
	if gemini.calls != 0 {
		t.Fatalf("retrying after relayed deltas would duplicate text")
	}
}

func TestOrchestrator_RateLimitedSkipsRemainingAttempts(t *testing.T) {
	groq := &scriptedProvider{name: "groq", script: []outcome{
		{err: ai.NewError("groq", ai.KindRateLimited, errors.New("throttled"))},
	}}
	gemini := &scriptedProvider{name: "gemini", caps: ai.CapMultimodal, script: []outcome{
		{deltas: []string{"ok"}},
	}}

	o := newTestOrchestrator(groq, gemini)
	full, err := drain(o.Stream(context.Background(), testConversation(), Mode{}, ai.Options{}))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if full != "ok" {
		t.Fatalf("expected fallback output, got %q", full)
	}
	if groq.calls != 1 {
		t.Fatalf("a throttled slot should not be retried in-window, got %d calls", groq.calls)
	}
}

func TestOrchestrator_FallbackGetsSameConversation(t *testing.T) {
	groq := &scriptedProvider{name: "groq", script: []outcome{
		{err: timeoutErr("groq")},
		{err: timeoutErr("groq")},
		{err: timeoutErr("groq")},
	}}
	gemini := &scriptedProvider{name: "gemini", caps: ai.CapMultimodal, script: []outcome{
		{deltas: []string{"ok"}},
	}}

	conv := testConversation()
	o := newTestOrchestrator(groq, gemini)
	if _, err := drain(o.Stream(context.Background(), conv, Mode{}, ai.Options{})); err != nil {
		t.Fatalf("stream: %v", err)
	}

	if len(groq.lastConv) != len(conv) || len(gemini.lastConv) != len(conv) {
		t.Fatalf("fallback must re-inject the identical conversation")
	}
	if gemini.lastConv[0].Text() != conv[0].Text() {
		t.Fatalf("system instructions changed across fallback")
	}
}

func testConversation() ai.Conversation {
	return ai.Conversation{
		ai.TextMessage("system", "be helpful"),
		ai.TextMessage("user", "hi"),
	}
}
