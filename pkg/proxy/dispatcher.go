package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/azurebridge/pkg/catalog"
	"github.com/lkarlslund/azurebridge/pkg/keypool"
	"github.com/lkarlslund/azurebridge/pkg/stream"
	"github.com/lkarlslund/azurebridge/pkg/upstream"
)

const defaultImageModel = "flux.1-kontext-pro"

const maxRequestBytes = 8 << 20

// modelCard is the public /v1/models entry. The capability flags ride
// along so clients can route image and audio traffic themselves.
type modelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	Image   bool   `json:"image"`
	Vision  bool   `json:"vision"`
	Audio   bool   `json:"audio"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	models, err := s.catalog.GetOrRefresh(r.Context())
	s.metrics.ObserveUpstream("models", time.Since(start))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	cards := make([]modelCard, 0, len(models))
	for _, m := range models {
		cards = append(cards, modelCard{
			ID:      m.ID,
			Object:  "model",
			Created: m.Created,
			Image:   m.Image,
			Vision:  m.Vision,
			Audio:   m.Audio,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}
	defer r.Body.Close()

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json", "invalid_request_error")
		return
	}
	model, _ := payload["model"].(string)
	if strings.TrimSpace(model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required", "invalid_request_error")
		return
	}
	streaming, _ := payload["stream"].(bool)

	entry, err := s.catalog.Find(r.Context(), model)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	if entry.Image {
		s.completeWithGeneratedImage(w, r, model, payload, streaming)
		return
	}

	cred, ua, err := s.keys.GetRandomCredential(r.Context())
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	if streaming {
		var rewrite stream.RewriteFunc
		if entry.Audio {
			rewrite = s.rewriteAudioContent
		}
		s.forwardStreaming(w, r, cred, ua, body, rewrite)
		return
	}

	start := time.Now()
	respBody, err := s.backend.ChatCompletions(r.Context(), cred.Value, ua, body)
	s.metrics.ObserveUpstream("chat_completions", time.Since(start))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	if entry.Audio {
		respBody = s.rewriteCompletionBody(respBody)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

func (s *Server) forwardStreaming(w http.ResponseWriter, r *http.Request, cred keypool.Credential, ua string, body []byte, rewrite stream.RewriteFunc) {
	start := time.Now()
	resp, err := s.backend.StreamChatCompletions(r.Context(), cred.Value, ua, body)
	s.metrics.ObserveUpstream("chat_completions_stream", time.Since(start))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	defer resp.Body.Close()

	flusher, _ := w.(http.Flusher)
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	var flush func()
	if flusher != nil {
		flush = flusher.Flush
	}
	tr := stream.NewTransformer(w, rewrite, flush)
	buf := make([]byte, 32<<10)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := tr.Consume(buf[:n]); err != nil {
				return
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				_ = tr.Finish()
				return
			}
			// Mid-stream faults truncate the stream immediately: the
			// carry-over line is discarded and the client sees no
			// terminal frame.
			log.Warn("stream interrupted", "error", readErr)
			return
		}
	}
}

// completeWithGeneratedImage serves image-capable models on the chat
// surface: the last user message becomes the generation prompt and the
// result is returned as a markdown image completion.
func (s *Server) completeWithGeneratedImage(w http.ResponseWriter, r *http.Request, model string, payload map[string]any, streaming bool) {
	prompt := lastUserPrompt(payload)
	if strings.TrimSpace(prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "no user prompt found for image generation", "invalid_request_error")
		return
	}

	urls, err := s.generateImageURLs(r.Context(), model, prompt)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	lines := make([]string, 0, len(urls))
	for _, u := range urls {
		lines = append(lines, fmt.Sprintf("![%s](%s)", prompt, u))
	}
	content := strings.Join(lines, "\n")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if !streaming {
		writeJSON(w, http.StatusOK, openai.ChatCompletionResponse{
			ID:      id,
			Object:  "chat.completion",
			Created: created,
			Model:   model,
			Choices: []openai.ChatCompletionChoice{{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: openai.FinishReasonStop,
			}},
		})
		return
	}

	flusher, _ := w.(http.Flusher)
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	contentChunk := openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index: 0,
			Delta: openai.ChatCompletionStreamChoiceDelta{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			},
		}},
	}
	stopChunk := openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			FinishReason: openai.FinishReasonStop,
		}},
	}
	for _, chunk := range []openai.ChatCompletionStreamResponse{contentChunk, stopChunk} {
		b, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}
	defer r.Body.Close()

	var payload struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json", "invalid_request_error")
		return
	}
	if strings.TrimSpace(payload.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required", "invalid_request_error")
		return
	}
	model := strings.TrimSpace(payload.Model)
	if model == "" {
		model = defaultImageModel
	}

	cred, ua, err := s.keys.GetRandomCredential(r.Context())
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	start := time.Now()
	respBody, err := s.backend.GenerateImages(r.Context(), cred.Value, ua, model, payload.Prompt)
	s.metrics.ObserveUpstream("images_generations", time.Since(start))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	var resp map[string]any
	if err := json.Unmarshal(respBody, &resp); err != nil {
		s.writeUpstreamError(w, fmt.Errorf("decode images response: %w", err))
		return
	}
	rewriteImageURLs(resp, s.rewriter.Rewrite)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) generateImageURLs(ctx context.Context, model, prompt string) ([]string, error) {
	cred, ua, err := s.keys.GetRandomCredential(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	respBody, err := s.backend.GenerateImages(ctx, cred.Value, ua, model, prompt)
	s.metrics.ObserveUpstream("images_generations", time.Since(start))
	if err != nil {
		return nil, err
	}
	var resp map[string]any
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode images response: %w", err)
	}
	var urls []string
	data, _ := resp["data"].([]any)
	for _, item := range data {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if u, ok := entry["url"].(string); ok && u != "" {
			urls = append(urls, s.rewriter.Rewrite(u))
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("backend returned no image urls")
	}
	return urls, nil
}

func rewriteImageURLs(resp map[string]any, rewrite func(string) string) {
	data, _ := resp["data"].([]any)
	for _, item := range data {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if u, ok := entry["url"].(string); ok && u != "" {
			entry["url"] = rewrite(u)
		}
	}
}

// rewriteCompletionBody routes buffered completion content through the
// media rewriter, leaving unknown fields untouched.
func (s *Server) rewriteCompletionBody(body []byte) []byte {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	changed := false
	choices, _ := payload["choices"].([]any)
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			if rewritten := s.rewriteAudioContent(content); rewritten != content {
				msg["content"] = rewritten
				changed = true
			}
		}
	}
	if !changed {
		return body
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return out
}

// rewriteAudioContent handles both shapes the backend produces for audio
// models: a bare media path as the whole message, or media references
// embedded in markup.
func (s *Server) rewriteAudioContent(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "/media/") || strings.HasPrefix(trimmed, "/thumbnail/") {
		return s.rewriter.Rewrite(trimmed)
	}
	return s.rewriter.RewriteEmbedded(text)
}

func lastUserPrompt(payload map[string]any) string {
	msgs, _ := payload["messages"].([]any)
	for i := len(msgs) - 1; i >= 0; i-- {
		m, ok := msgs[i].(map[string]any)
		if !ok || m["role"] != "user" {
			continue
		}
		switch content := m["content"].(type) {
		case string:
			return content
		case []any:
			var parts []string
			for _, p := range content {
				part, ok := p.(map[string]any)
				if !ok || part["type"] != "text" {
					continue
				}
				if text, ok := part["text"].(string); ok {
					parts = append(parts, text)
				}
			}
			return strings.Join(parts, "\n")
		}
	}
	return ""
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("Content-Length")
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	var notFound *catalog.ModelNotFoundError
	var status *upstream.StatusError
	switch {
	case errors.As(err, &notFound):
		writeJSONError(w, http.StatusBadRequest, notFound.Error(), "invalid_request_error")
	case errors.Is(err, keypool.ErrPoolExhausted):
		writeJSONError(w, http.StatusInternalServerError, "no backend credentials available", "api_error")
	case errors.As(err, &status):
		writeJSONError(w, http.StatusInternalServerError, status.Error(), "api_error")
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "api_error")
	}
}
