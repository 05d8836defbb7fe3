package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/typhoon-chat/server/internal/api"
	"github.com/typhoon-chat/server/internal/auth"
	"github.com/typhoon-chat/server/internal/cache"
	"github.com/typhoon-chat/server/internal/config"
	"github.com/typhoon-chat/server/internal/core"
	"github.com/typhoon-chat/server/internal/store"
)

func main() {
	cfg := config.Load()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if cfg.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	// Database store
	dbStore, err := store.NewStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Redis-backed token cache. The client is constructed here and owned
	// by main; a nil client (Redis down) disables caching but not auth.
	redisClient := config.NewRedisClient(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}
	tokenCache := cache.NewTokenCache(redisClient)

	// Authentication
	codec := auth.NewCodec(cfg.JWTSecret, time.Duration(cfg.AccessTokenTTLMin)*time.Minute)
	gate := auth.NewGate(codec, tokenCache)
	hasher := auth.NewBcryptHasher(cfg.BcryptCost)

	// Generation source
	llmService, err := core.NewLLMService(context.Background(), cfg.GeminiAPIKey)
	if err != nil {
		log.Fatalf("Failed to initialize LLM service: %v", err)
	}
	defer llmService.Close()

	chatService := core.NewChatService(dbStore, llmService)

	apiHandler := api.NewAPIHandler(gate, codec, hasher, tokenCache, dbStore, chatService)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE responses stay open for the whole turn.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give active connections, including in-flight streams, time to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}
