// Package stream re-emits backend server-sent-event output as a well-formed
// client event stream, rewriting embedded media references on the way through.
package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

const doneSentinel = "[DONE]"

// RewriteFunc rewrites media references inside completion content.
type RewriteFunc func(string) string

// Transformer consumes raw byte chunks from a live backend connection and
// writes `data: ...\n\n` framed lines to out, preserving backend line order.
// Backend chunks are not newline-aligned, so the last incomplete line is
// carried over between Consume calls.
//
// Policy per complete line: blank lines are dropped; the [DONE] sentinel is
// forwarded verbatim; a data line with a JSON payload has its content fields
// rewritten and is re-serialized; a data line that fails to parse is
// forwarded unchanged. The fail-open passthrough is deliberate: a transform
// bug must never drop upstream data.
type Transformer struct {
	out     io.Writer
	flush   func()
	rewrite RewriteFunc
	pending []byte
}

// NewTransformer returns a Transformer writing framed events to out.
// rewrite may be nil, in which case lines are forwarded without content
// rewriting. flush may be nil; when set it is called after every emitted
// event so streamed responses reach the client incrementally.
func NewTransformer(out io.Writer, rewrite RewriteFunc, flush func()) *Transformer {
	return &Transformer{out: out, rewrite: rewrite, flush: flush}
}

// Consume appends chunk to the carry-over buffer and emits every complete
// line it now holds. The final fragment after the last newline is retained
// for the next call.
func (t *Transformer) Consume(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	t.pending = append(t.pending, chunk...)
	for {
		idx := bytes.IndexByte(t.pending, '\n')
		if idx < 0 {
			return nil
		}
		line := string(t.pending[:idx])
		t.pending = t.pending[idx+1:]
		if err := t.emitLine(line); err != nil {
			return err
		}
	}
}

// Finish processes any non-empty carry-over buffer as a final line. It must
// be called once the upstream body reaches EOF. After a mid-stream transport
// error the caller should not call Finish; the truncated output stream is
// the contract.
func (t *Transformer) Finish() error {
	if len(t.pending) == 0 {
		return nil
	}
	line := string(t.pending)
	t.pending = nil
	return t.emitLine(line)
}

func (t *Transformer) emitLine(line string) error {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	if payload, ok := strings.CutPrefix(line, "data:"); ok {
		payload = strings.TrimSpace(payload)
		if payload == doneSentinel {
			return t.writeEvent("data: " + doneSentinel)
		}
		if t.rewrite != nil {
			if rewritten, changed := rewritePayload(payload, t.rewrite); changed {
				return t.writeEvent("data: " + rewritten)
			}
		}
	}
	return t.writeEvent(line)
}

func (t *Transformer) writeEvent(line string) error {
	if _, err := io.WriteString(t.out, line+"\n\n"); err != nil {
		return err
	}
	if t.flush != nil {
		t.flush()
	}
	return nil
}

// rewritePayload parses an event payload and applies rewrite to every
// content-bearing field. It reports whether anything changed; a parse
// failure reports false so the original line passes through untouched.
func rewritePayload(payload string, rewrite RewriteFunc) (string, bool) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return "", false
	}
	changed := rewriteContentFields(doc, rewrite)
	if !changed {
		return "", false
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", false
	}
	return string(out), true
}

func rewriteContentFields(doc map[string]any, rewrite RewriteFunc) bool {
	choices, ok := doc["choices"].([]any)
	if !ok {
		return false
	}
	changed := false
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"delta", "message"} {
			carrier, ok := choice[key].(map[string]any)
			if !ok {
				continue
			}
			content, ok := carrier["content"].(string)
			if !ok {
				continue
			}
			if rewritten := rewrite(content); rewritten != content {
				carrier["content"] = rewritten
				changed = true
			}
		}
	}
	return changed
}
