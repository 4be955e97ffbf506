package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-server/internal/auth"
	"chat-server/internal/config"
	"chat-server/internal/database"
	"chat-server/internal/dispatch"
	"chat-server/internal/handlers"
	"chat-server/internal/registry"
	"chat-server/internal/rooms"
	"chat-server/internal/unread"
	"chat-server/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewPostgresDB(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Core realtime state
	reg := registry.New()
	counter := unread.NewCounter(db)
	dispatcher := dispatch.New(db, reg, counter, cfg.Chat.StoreTimeout, cfg.Chat.TypingExpiry)

	// Services
	authService := auth.NewService(db, cfg)
	roomService := rooms.NewService(db, reg, counter, cfg.Chat.StoreTimeout)

	// Handlers
	authHandlers := handlers.NewAuthHandlers(authService)
	groupHandlers := handlers.NewGroupHandlers(roomService, authService)
	messageHandlers := handlers.NewMessageHandlers(dispatcher, authService)
	wsHandlers := handlers.NewWebSocketHandlers(authService, dispatcher, cfg)

	// Setup routes
	mux := http.NewServeMux()
	setupRoutes(mux, authHandlers, groupHandlers, messageHandlers, wsHandlers)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error: %v", err)
	}
}

func setupRoutes(mux *http.ServeMux, authHandlers *handlers.AuthHandlers, groupHandlers *handlers.GroupHandlers, messageHandlers *handlers.MessageHandlers, wsHandlers *handlers.WebSocketHandlers) {
	// Auth routes
	mux.HandleFunc("/register", authHandlers.Register)
	mux.HandleFunc("/login", authHandlers.Login)
	mux.HandleFunc("/me", authHandlers.Me)
	mux.HandleFunc("/change-password", authHandlers.ChangePassword)

	// Group routes
	mux.HandleFunc("/groups", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			groupHandlers.List(w, r)
		case http.MethodPost:
			groupHandlers.Create(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/groups/", groupHandlers.Route)

	// Message routes
	mux.HandleFunc("/chats", messageHandlers.Chats)
	mux.HandleFunc("/messages/", messageHandlers.Route)

	// WebSocket route
	mux.HandleFunc("/ws", wsHandlers.HandleWebSocket)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
