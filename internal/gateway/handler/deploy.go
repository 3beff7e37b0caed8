package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"regexp"
	"strings"

	"ancode/internal/gateway/repository/snapshot"
	"ancode/internal/machines"
	"ancode/internal/runner"
	"ancode/internal/workbench"
)

type deployRequest struct {
	ChatID  string `json:"chatId"`
	AppName string `json:"appName,omitempty"`
}

var appNamePattern = regexp.MustCompile(`[^a-z0-9-]+`)

// appNameFor derives a platform-safe app name from a chat id.
func appNameFor(chatID string) string {
	name := appNamePattern.ReplaceAllString(strings.ToLower(chatID), "-")
	name = strings.Trim(name, "-")
	if len(name) > 24 {
		name = name[:24]
	}
	return "ancode-" + name
}

// handleDeploy provisions the app, its IPs, and a machine for a chat's
// project, and records the preview URL on the session.
func (s *Service) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if s.opts.Machines == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "deployment is not configured"})
		return
	}
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
		http.Error(w, "chatId is required", http.StatusBadRequest)
		return
	}
	appName := req.AppName
	if appName == "" {
		appName = appNameFor(req.ChatID)
	}

	res, err := s.opts.Machines.Deploy(r.Context(), appName)
	if err != nil {
		log.Printf("handler: deploy %s: %v", appName, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	sess := s.session(req.ChatID)
	sess.SetAppName(appName)
	sess.wb.SetPreview(workbench.PreviewState{
		Port:    8080,
		Ready:   false,
		BaseURL: "https://" + appName + ".fly.dev",
	})
	writeJSON(w, http.StatusOK, res)
}

type updateFileListRequest struct {
	ChatID         string              `json:"chatId"`
	AppName        string              `json:"appName,omitempty"`
	Files          []machines.SyncFile `json:"files,omitempty"`
	InstallCommand string              `json:"installCommand,omitempty"`
}

// handleUpdateFileList pushes the project files to the deployed machine. The
// file set is snapshotted first, so a failed sync can be retried from the
// snapshot store instead of being lost.
func (s *Service) handleUpdateFileList(w http.ResponseWriter, r *http.Request) {
	var req updateFileListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
		http.Error(w, "chatId is required", http.StatusBadRequest)
		return
	}
	sess := s.session(req.ChatID)

	files := req.Files
	if len(files) == 0 {
		for _, f := range sess.wb.GeneratedFiles() {
			files = append(files, machines.SyncFile{Path: f.Path, Content: f.Content})
		}
	}
	if len(files) == 0 {
		writeJSON(w, http.StatusOK, machines.SyncResult{Success: true})
		return
	}

	if data, err := json.Marshal(files); err == nil {
		if err := s.opts.Snapshots.Put(r.Context(), req.ChatID, data); err != nil {
			log.Printf("handler: snapshot %s: %v", req.ChatID, err)
		}
	}

	if s.opts.Machines == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "deployment is not configured"})
		return
	}
	appName := req.AppName
	if appName == "" {
		appName = sess.AppName()
	}
	if appName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no app deployed for this chat"})
		return
	}

	res, err := s.opts.Machines.SyncFiles(r.Context(), appName, files, req.InstallCommand)
	if err != nil {
		log.Printf("handler: sync files %s: %v", appName, err)
		sess.wb.Alert(runner.Alert{
			Type:        "error",
			Title:       "Deployment Sync Failed",
			Description: "Failed to push files to the machine",
			Content:     err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if res.Success {
		sess.wb.SetPreview(workbench.PreviewState{
			Port:    8080,
			Ready:   true,
			BaseURL: "https://" + appName + ".fly.dev",
		})
	}
	writeJSON(w, http.StatusOK, res)
}

// handleExportProject streams the last snapshotted file set for a chat,
// falling back to the live session files.
func (s *Service) handleExportProject(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	data, err := s.opts.Snapshots.Get(r.Context(), chatID)
	if err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if errors.Is(err, snapshot.ErrNotFound) {
		sess := s.session(chatID)
		generated := sess.wb.GeneratedFiles()
		if len(generated) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no project files for this chat"})
			return
		}
		data, _ = json.Marshal(generated)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="project-`+chatID+`.json"`)
	_, _ = w.Write(data)
}
