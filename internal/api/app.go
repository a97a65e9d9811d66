package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-directchat/internal/auth"
	"github.com/npezzotti/go-directchat/internal/config"
	"github.com/npezzotti/go-directchat/internal/database"
	"github.com/npezzotti/go-directchat/internal/server"
)

type DirectChatApp struct {
	log            *log.Logger
	db             database.Repository
	srv            *http.Server
	cs             *server.ChatServer
	tokens         *auth.TokenIssuer
	allowedOrigins []string
}

func NewDirectChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.Repository, cfg *config.Config) *DirectChatApp {
	s := &DirectChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		tokens:         auth.NewTokenIssuer(cfg.SigningKey),
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/logout", s.logout)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/users", s.authMiddleware(s.listUsers))
	mux.HandleFunc("GET /api/users/{id}", s.authMiddleware(s.getUser))
	mux.HandleFunc("GET /api/messages/{peerId}", s.authMiddleware(s.getConversation))
	mux.HandleFunc("PUT /api/messages/read/{peerId}", s.authMiddleware(s.markRead))
	mux.HandleFunc("DELETE /api/messages/{id}", s.authMiddleware(s.deleteMessage))
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *DirectChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *DirectChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *DirectChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
