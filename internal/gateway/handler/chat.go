package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"ancode/internal/gateway/repository/credits"
	"ancode/internal/llm"
	"ancode/internal/wire"
	"ancode/internal/workbench"

	"github.com/google/uuid"
)

type chatRequest struct {
	ID                  string                    `json:"id,omitempty"`
	Messages            []llm.Message             `json:"messages"`
	Files               map[string]workbench.File `json:"files,omitempty"`
	PromptID            string                    `json:"promptId,omitempty"`
	ContextOptimization bool                      `json:"contextOptimization,omitempty"`
}

// handleChat runs one generation and streams the framed response. Credits
// are charged before the model is ever invoked.
func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, "Unauthorized")
		return
	}

	if err := s.opts.Credits.Consume(r.Context(), userID); err != nil {
		if errors.Is(err, credits.ErrInsufficient) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Insufficient credits"})
			return
		}
		log.Printf("handler: consume credit: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "messages are required", http.StatusBadRequest)
		return
	}

	// A model must be resolvable before we commit to a streaming response.
	if _, _, err := s.opts.Controller.Registry.Resolve(modelFromMessages(req.Messages)); err != nil {
		log.Printf("handler: resolve model: %v", err)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, "Invalid or missing API key")
		return
	}

	chatID := req.ID
	if chatID == "" {
		chatID = uuid.NewString()
	}
	sess := s.session(chatID)
	for path, f := range req.Files {
		if f.Type == "file" {
			sess.wb.Files().Set(path, f.Content, f.IsBinary)
		}
	}

	out := wire.NewSwitchableStream(wire.NewThoughtRewriter())
	assistantID := uuid.NewString()
	var assistantText strings.Builder

	streamReq := llm.StreamRequest{
		Messages: req.Messages,
		OnText: func(delta string) {
			assistantText.WriteString(delta)
			sess.parser.Parse(assistantID, assistantText.String())
		},
	}

	go func() {
		// The exchange is over either way once Stream returns; drop the
		// session's incremental parse state.
		defer sess.parser.Reset()
		usage, err := s.opts.Controller.Stream(r.Context(), streamReq, out)
		if err != nil {
			log.Printf("handler: chat stream: %v", err)
			if errors.Is(err, llm.ErrMaxSegments) {
				_ = out.WriteError(err.Error())
			} else {
				_ = out.WriteError("Custom error: " + err.Error())
			}
			_ = out.Close()
			return
		}
		_ = out.WriteAnnotation(map[string]any{"type": "usage", "value": usage})
		_ = out.Close()
	}()

	wire.SetStreamingHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	flushCopy(w, out.Reader())
	// If the client went away mid-stream the producer goroutine may still be
	// writing; closing the reader makes those writes fail instead of block.
	_ = out.CloseReader()
}

func modelFromMessages(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			model, _, _ := llm.ExtractProperties(messages[i].Content)
			return model
		}
	}
	return ""
}

// flushCopy copies src to the response, flushing after every chunk so the
// client sees frames as they are produced.
func flushCopy(w http.ResponseWriter, src io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
