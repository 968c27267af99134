package chat

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/luminachat/lumina/internal/ai"
)

// candidate is one entry of the fallback plan: which provider, which model,
// how many attempts before moving on.
type candidate struct {
	Provider string
	Model    string
	Attempts int
}

// Attempt records one failed adapter call, for the aggregated terminal error.
type Attempt struct {
	Provider string
	Model    string
	Err      error
}

// ExhaustedError is returned when every adapter/credential combination
// failed. It names each attempt so operators can tell which upstream broke.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	b.WriteString("all providers exhausted:")
	for _, a := range e.Attempts {
		model := a.Model
		if model == "" {
			model = "default"
		}
		fmt.Fprintf(&b, " %s(%s): %v;", a.Provider, model, a.Err)
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Orchestrator picks the adapter order for a request and normalizes whichever
// adapter wins into one delta stream. Callers never learn which provider
// served the answer.
type Orchestrator struct {
	registry    *ai.Registry
	reasonModel string
}

func NewOrchestrator(registry *ai.Registry, reasonModel string) *Orchestrator {
	return &Orchestrator{registry: registry, reasonModel: reasonModel}
}

// Preflight catches the one failure that must surface as an HTTP status
// rather than a stream frame: a reasoning request whose dedicated credential
// slot is missing. Nothing can serve that intent, so no attempt is made.
func (o *Orchestrator) Preflight(mode Mode) error {
	if !mode.Reasoning || mode.HasAttachments {
		return nil
	}
	p, err := o.registry.Get("groq")
	if err != nil {
		return nil // fallback chain handles an absent provider
	}
	if cc, ok := p.(ai.ConfigChecker); ok {
		return cc.CheckConfig(o.reasonModel)
	}
	return nil
}

// planFor maps mode flags to an ordered adapter list. Groq goes first on the
// text paths because it is the low-latency option; attachments skip every
// adapter that cannot take image parts, since those attempts are guaranteed
// failures.
func (o *Orchestrator) planFor(mode Mode) []candidate {
	switch {
	case mode.HasAttachments:
		return []candidate{
			{Provider: "gemini", Attempts: 2},
		}
	case mode.Reasoning:
		return []candidate{
			{Provider: "groq", Model: o.reasonModel, Attempts: 3},
			{Provider: "gemini", Attempts: 2},
			{Provider: "openrouter", Attempts: 1},
		}
	default:
		return []candidate{
			{Provider: "groq", Attempts: 3},
			{Provider: "gemini", Attempts: 2},
			{Provider: "openrouter", Attempts: 1},
		}
	}
}

// Stream walks the plan until one adapter produces content. The same
// conversation is re-sent on every fallback. Once any delta has been relayed
// downstream, a later error is terminal: retrying would duplicate text the
// client already rendered.
func (o *Orchestrator) Stream(ctx context.Context, conv ai.Conversation, mode Mode, opts ai.Options) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		var attempts []Attempt
		for _, cand := range o.planFor(mode) {
			provider, err := o.registry.Get(cand.Provider)
			if err != nil {
				attempts = append(attempts, Attempt{Provider: cand.Provider, Model: cand.Model, Err: err})
				continue
			}
			if mode.HasAttachments && provider.Capabilities()&ai.CapMultimodal == 0 {
				continue
			}

			callOpts := opts
			callOpts.Model = cand.Model

			for try := 0; try < cand.Attempts; try++ {
				if ctx.Err() != nil {
					errs <- ctx.Err()
					return
				}

				relayed, err := relay(ctx, provider, conv, callOpts, out)
				if err == nil {
					return
				}
				if relayed {
					// truncated mid-stream; surface, never retry
					errs <- err
					return
				}
				if ai.IsFatal(err) {
					errs <- err
					return
				}

				log.Printf("orchestrator attempt failed provider=%s model=%s try=%d kind=%s err=%v",
					cand.Provider, cand.Model, try, ai.KindOf(err), err)
				attempts = append(attempts, Attempt{Provider: cand.Provider, Model: cand.Model, Err: err})

				// a throttled credential will stay throttled for the rest
				// of its window; burn no more attempts on this candidate
				if ai.KindOf(err) == ai.KindRateLimited {
					break
				}
			}
		}

		errs <- &ExhaustedError{Attempts: attempts}
	}()

	return out, errs
}

// relay pipes one provider stream into out. It reports whether any delta made
// it downstream before the stream ended.
func relay(ctx context.Context, p ai.Provider, conv ai.Conversation, opts ai.Options, out chan<- string) (relayed bool, err error) {
	chunks, errs := p.Stream(ctx, conv, opts)
	for c := range chunks {
		select {
		case out <- c:
			relayed = true
		case <-ctx.Done():
			return relayed, ctx.Err()
		}
	}
	if err := <-errs; err != nil {
		return relayed, err
	}
	return relayed, nil
}
