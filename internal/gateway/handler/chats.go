package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ancode/internal/gateway/repository/chats"

	"github.com/google/uuid"
)

func (s *Service) handleListChats(w http.ResponseWriter, r *http.Request) {
	list, err := s.opts.Chats.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if list == nil {
		list = []chats.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Service) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.opts.Chats.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, chats.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "chat not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Service) handlePutChat(w http.ResponseWriter, r *http.Request) {
	var chat chats.Chat
	if err := json.NewDecoder(r.Body).Decode(&chat); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if err := s.opts.Chats.Put(r.Context(), chat); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": chat.ID})
}

func (s *Service) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Chats.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, chats.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "chat not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Service) handleExportChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.opts.Chats.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, chats.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "chat not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="chat-`+chat.ID+`.json"`)
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":    chat.Messages,
		"description": chat.Description,
		"exportDate":  time.Now().UTC().Format(time.RFC3339),
	})
}
