package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kellerkompanie/kellerkompanie-ts3bot/pkg/models"
)

// BotSource provides the live bot snapshot served by the status API.
type BotSource interface {
	Status() models.BotStatus
}

// PresenceSource provides the persisted presence records.
type PresenceSource interface {
	List() ([]models.PresenceRecord, error)
}

// Server is the small HTTP surface exposed for monitoring the bot
// under systemd.
type Server struct {
	addr       string
	logger     *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	bot        BotSource
	presence   PresenceSource
}

func New(addr string, bot BotSource, presence PresenceSource, logger *logrus.Logger) *Server {
	s := &Server{
		addr:     addr,
		logger:   logger,
		router:   mux.NewRouter(),
		bot:      bot,
		presence: presence,
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/presence", s.handlePresence).Methods("GET")

	return s
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to create status listener: %w", err)
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Infof("Starting status server on %s", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		} else {
			errChan <- nil
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown status server")
		}
		<-errChan
		return nil
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("status server error: %w", err)
		}
		return nil
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.bot.Status())
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	records, err := s.presence.List()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list presence records")
		s.writeError(w, http.StatusInternalServerError, "Failed to list presence records")
		return
	}
	if records == nil {
		records = []models.PresenceRecord{}
	}
	s.writeJSON(w, records)
}

func (s *Server) writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
