package app

import (
	"context"
	"fmt"
	"log"

	"ancode/internal/gateway/config"
	"ancode/internal/gateway/handler"
	"ancode/internal/gateway/middleware"
	"ancode/internal/gateway/repository/chats"
	"ancode/internal/gateway/repository/credits"
	"ancode/internal/gateway/repository/snapshot"
	"ancode/internal/gateway/server"
	"ancode/internal/llm"
	"ancode/internal/machines"
)

type App struct {
	server  *server.Server
	service *handler.Service
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var fly *machines.Client
	if cfg.FlyToken != "" {
		fly = machines.NewClient(machines.Config{Token: cfg.FlyToken})
	} else {
		log.Printf("app: FLY_API_TOKEN not set, deployment endpoints disabled")
	}

	svc := handler.NewService(handler.Options{
		Config:     cfg,
		Controller: &llm.Controller{Registry: registry},
		Credits:    credits.NewFromEnv(cfg.DatabaseURL),
		Chats:      chats.NewFromEnv(cfg.DatabaseURL),
		Snapshots:  buildSnapshotStore(cfg),
		Machines:   fly,
	})

	srv := server.New(cfg.Port, middleware.CORS(svc.Routes()))
	return &App{server: srv, service: svc}, nil
}

func buildRegistry(ctx context.Context, cfg *config.Config) (*llm.Registry, error) {
	registry := llm.NewRegistry()
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("init gemini: %w", err)
		}
		registry.Register(llm.ModelInfo{Name: "gemini-2.5-pro", Provider: "Google"}, gemini)
		registry.Register(llm.ModelInfo{Name: "gemini-2.5-flash", Provider: "Google"}, gemini)
	}
	if cfg.DeepSeekAPIKey != "" {
		deepseek := llm.NewDeepSeekClient(cfg.DeepSeekAPIKey)
		registry.Register(llm.ModelInfo{Name: "deepseek-chat", Provider: "Deepseek"}, deepseek)
		registry.Register(llm.ModelInfo{Name: "deepseek-reasoner", Provider: "Deepseek"}, deepseek)
	}
	return registry, nil
}

func buildSnapshotStore(cfg *config.Config) snapshot.Store {
	if !cfg.Snapshot.Enabled {
		return snapshot.NewMemoryStore()
	}
	store, err := snapshot.NewS3Store(snapshot.S3Config{
		Endpoint:  cfg.Snapshot.Endpoint,
		Region:    cfg.Snapshot.Region,
		AccessKey: cfg.Snapshot.AccessKey,
		SecretKey: cfg.Snapshot.SecretKey,
		Bucket:    cfg.Snapshot.Bucket,
		UseSSL:    cfg.Snapshot.UseSSL,
	})
	if err != nil {
		log.Printf("app: snapshot store unavailable (%v), using memory store", err)
		return snapshot.NewMemoryStore()
	}
	return store
}

func (a *App) Start() error {
	return a.server.Start()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.service.Close()
	return a.server.Shutdown(ctx)
}
