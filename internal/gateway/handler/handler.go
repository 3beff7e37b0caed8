package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"ancode/internal/gateway/config"
	"ancode/internal/gateway/repository/chats"
	"ancode/internal/gateway/repository/credits"
	"ancode/internal/gateway/repository/snapshot"
	"ancode/internal/llm"
	"ancode/internal/machines"
	"ancode/internal/parser"
	"ancode/internal/runner"
	"ancode/internal/workbench"
)

// Options carries the dependencies of the HTTP service.
type Options struct {
	Config     *config.Config
	Controller *llm.Controller
	Credits    *credits.Store
	Chats      *chats.Store
	Snapshots  snapshot.Store
	Machines   *machines.Client // nil when no deploy token is configured

	// Workbench tuning, overridable in tests.
	SettleDelay    time.Duration
	SampleInterval time.Duration
}

// Service owns the API surface and the per-chat workbench sessions.
type Service struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
}

// session binds one chat to its workbench and streaming parser.
type session struct {
	chatID string
	wb     *workbench.Workbench
	parser *parser.StreamingMessageParser

	mu      sync.Mutex
	appName string
}

func (s *session) AppName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appName
}

func (s *session) SetAppName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appName = name
}

func NewService(opts Options) *Service {
	return &Service{opts: opts, sessions: make(map[string]*session)}
}

// Routes builds the API mux.
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("POST /api/chats", s.handlePutChat)
	mux.HandleFunc("GET /api/chats/{id}", s.handleGetChat)
	mux.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)
	mux.HandleFunc("GET /api/chats/{id}/export", s.handleExportChat)
	mux.HandleFunc("POST /api/deploy", s.handleDeploy)
	mux.HandleFunc("POST /api/updatefilelist", s.handleUpdateFileList)
	mux.HandleFunc("GET /api/export/{id}", s.handleExportProject)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

// Close shuts down every session workbench.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.wb.Close()
	}
	s.sessions = make(map[string]*session)
}

// session returns the workbench session for a chat, creating it on first use.
func (s *Service) session(chatID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[chatID]; ok {
		return sess
	}
	sess := &session{chatID: chatID}
	sess.wb = workbench.New(workbench.Options{
		Shell:          &remoteShell{svc: s, sess: sess},
		SettleDelay:    s.opts.SettleDelay,
		SampleInterval: s.opts.SampleInterval,
	})
	sess.parser = parser.NewStreamingMessageParser(sess.wb.ParserCallbacks())
	s.sessions[chatID] = sess
	return sess
}

// userID authenticates the request. Empty means unauthenticated.
func (s *Service) userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-Id")); id != "" {
		return id
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// remoteShell runs workbench shell actions on the session's deployed
// machine. Before a deploy exists there is nowhere to run, so commands
// succeed as no-ops; the file sync replays the project state later.
type remoteShell struct {
	svc  *Service
	sess *session
}

func (r *remoteShell) Run(ctx context.Context, command string) (runner.CommandResult, error) {
	appName := r.sess.AppName()
	if r.svc.opts.Machines == nil || appName == "" {
		log.Printf("handler: no machine for chat %s, skipping command %q", r.sess.chatID, command)
		return runner.CommandResult{ExitCode: 0}, nil
	}
	res, err := r.svc.opts.Machines.RunShell(ctx, appName, command)
	if err != nil {
		return runner.CommandResult{}, err
	}
	return runner.CommandResult{ExitCode: res.ExitCode, Output: strings.TrimSpace(res.Stdout + res.Stderr)}, nil
}
