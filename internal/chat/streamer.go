package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
)

// Frame is one event of the line-delimited client protocol.
type Frame struct {
	Type  string `json:"type"` // text-start | text-delta | text-end | error
	Delta string `json:"delta,omitempty"`
	Error string `json:"error,omitempty"`
}

const doneSentinel = "[DONE]"

// fallbackReply is emitted when the upstream completed without producing a
// single delta. The user must always see some content, never a blank bubble.
const fallbackReply = "I'm sorry, I wasn't able to generate a response just now. Please try again."

// Streamer re-emits the orchestrator's normalized delta stream as protocol
// frames. Once a write fails the client is treated as gone and every later
// write is suppressed.
type Streamer struct {
	w          io.Writer
	flush      func()
	clientGone bool
}

func NewStreamer(w io.Writer, flush func()) *Streamer {
	if flush == nil {
		flush = func() {}
	}
	return &Streamer{w: w, flush: flush}
}

// ClientGone reports whether a write has failed.
func (s *Streamer) ClientGone() bool { return s.clientGone }

func (s *Streamer) writeFrame(f Frame) {
	if s.clientGone {
		return
	}
	b, err := json.Marshal(f)
	if err != nil {
		log.Printf("streamer marshal failed type=%s err=%v", f.Type, err)
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		s.clientGone = true
		return
	}
	s.flush()
}

func (s *Streamer) writeSentinel() {
	if s.clientGone {
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", doneSentinel); err != nil {
		s.clientGone = true
		return
	}
	s.flush()
}

// Run consumes the delta stream until completion or error.
//
// onFirstDelta fires exactly once, on the first non-empty delta: that is the
// moment generation has demonstrably started, so usage is charged and the
// title task dispatched there. It must not block.
//
// Returns the accumulated text (possibly the fallback reply) and nil on a
// delivered stream, or the terminal error after an error frame was emitted.
func (s *Streamer) Run(chunks <-chan string, errs <-chan error, onFirstDelta func()) (string, error) {
	s.writeFrame(Frame{Type: "text-start"})

	var full string
	started := false
	for c := range chunks {
		if c == "" {
			continue
		}
		if !started {
			started = true
			if onFirstDelta != nil {
				onFirstDelta()
			}
		}
		full += c
		s.writeFrame(Frame{Type: "text-delta", Delta: c})
	}

	if err := <-errs; err != nil {
		// error frame then close; no sentinel on the failure path
		s.writeFrame(Frame{Type: "error", Error: clientMessage(err)})
		return full, err
	}

	if full == "" {
		// contentless completion: substitute, never close silently
		full = fallbackReply
		if onFirstDelta != nil {
			onFirstDelta()
		}
		s.writeFrame(Frame{Type: "text-delta", Delta: full})
	}

	s.writeFrame(Frame{Type: "text-end"})
	s.writeSentinel()
	return full, nil
}

// clientMessage maps internal failures to a user-safe string. Raw upstream
// error text and credential details never reach the client.
func clientMessage(err error) string {
	if _, ok := err.(*ExhaustedError); ok {
		return "The assistant is unavailable right now. Please try again in a moment."
	}
	return "Something went wrong while generating the response. Please try again."
}
