package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ovaladares/orca/pkg/domain"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

type iCluster interface {
	GetNodeID() string
	Members() ([]string, error)
	Databases() []*domain.Database
	ActiveDatabases() []*domain.Database
	GetLocks() []domain.LockDescriptor
}

type databaseStatus struct {
	ID     string `json:"id"`
	Weight int    `json:"weight"`
	Active bool   `json:"active"`
}

type membersResponse struct {
	NodeID      string   `json:"node_id"`
	Coordinator string   `json:"coordinator,omitempty"`
	Members     []string `json:"members"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the status of the local member over HTTP.
type Server struct {
	cluster    iCluster
	httpServer *http.Server
	addr       string
	logg       *slog.Logger
}

func NewServer(cluster iCluster, port string, logg *slog.Logger) *Server {
	return &Server{
		cluster: cluster,
		addr:    ":" + port,
		logg:    logg.With("component", "http_server"),
	}
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logg.Error("HTTP server error", "error", err)
		}
	}()

	s.logg.Info("HTTP server started", "addr", s.addr)

	return nil
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/members", s.handleMembers)
		r.Get("/databases", s.handleDatabases)
		r.Get("/databases/{id}", s.handleDatabase)
		r.Get("/locks", s.handleLocks)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logg.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMembers(w http.ResponseWriter, _ *http.Request) {
	members, err := s.cluster.Members()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	resp := membersResponse{NodeID: s.cluster.GetNodeID(), Members: members}
	if len(members) > 0 {
		resp.Coordinator = members[0]
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statuses() []databaseStatus {
	active := make(map[string]bool)
	for _, db := range s.cluster.ActiveDatabases() {
		active[db.ID] = true
	}

	databases := s.cluster.Databases()
	statuses := make([]databaseStatus, 0, len(databases))

	for _, db := range databases {
		statuses = append(statuses, databaseStatus{ID: db.ID, Weight: db.Weight, Active: active[db.ID]})
	}

	return statuses
}

func (s *Server) handleDatabases(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.statuses())
}

func (s *Server) handleDatabase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	for _, status := range s.statuses() {
		if status.ID == id {
			s.writeJSON(w, http.StatusOK, status)
			return
		}
	}

	s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown database: " + id})
}

func (s *Server) handleLocks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cluster.GetLocks())
}
