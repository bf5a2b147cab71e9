package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sateffen/tcpdebug/config"
	"github.com/sateffen/tcpdebug/server"
)

const defaultLogLimit = 100

type statusResponse struct {
	Running     bool   `json:"running"`
	Addr        string `json:"addr"`
	Connections int    `json:"connections"`
}

type clientResponse struct {
	ID    string `json:"id"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	State string `json:"state"`
}

type startRequest struct {
	Port int `json:"port"`
}

type textRequest struct {
	Text string `json:"text"`
}

type broadcastResponse struct {
	Sent   int      `json:"sent"`
	Failed []string `json:"failed"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("could not write response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) currentStatus() statusResponse {
	return statusResponse{
		Running:     s.cfg.Controller.IsRunning(),
		Addr:        s.cfg.Controller.Addr(),
		Connections: s.cfg.Controller.ConnectionCount(),
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentStatus())
}

func (s *Server) connections(w http.ResponseWriter, r *http.Request) {
	clients := s.cfg.Controller.Clients()

	response := make([]clientResponse, 0, len(clients))
	for _, client := range clients {
		response = append(response, clientResponse{
			ID:    client.ID.String(),
			Host:  client.Host,
			Port:  client.Port,
			State: client.State.String(),
		})
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) log(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit

	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit has to be a non-negative number")
			return
		}
		limit = parsed
	}

	writeJSON(w, http.StatusOK, s.cfg.EventLog.Entries(limit))
}

func (s *Server) startServer(w http.ResponseWriter, r *http.Request) {
	var request startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	port := config.NormalizePort(request.Port)

	err := s.cfg.Controller.Start(port)
	switch {
	case errors.Is(err, server.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "server is already running")
		return
	case err != nil:
		s.cfg.EventLog.Warn(fmt.Sprintf("Failed to start server on port %d", port))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.cfg.EventLog.Info(fmt.Sprintf("Server started on port %d", port))
	writeJSON(w, http.StatusOK, s.currentStatus())
}

func (s *Server) stopServer(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Controller.IsRunning() {
		writeError(w, http.StatusConflict, "server is not running")
		return
	}

	s.cfg.EventLog.Info("Stopping server...")

	if err := s.cfg.Controller.Stop(); err != nil {
		if errors.Is(err, server.ErrNotRunning) {
			writeError(w, http.StatusConflict, "server is not running")
			return
		}

		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.cfg.EventLog.Info("Server stopped")
	writeJSON(w, http.StatusOK, s.currentStatus())
}

func decodeText(r *http.Request) (string, bool) {
	var request textRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		return "", false
	}

	return request.Text, request.Text != ""
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return
	}

	text, ok := decodeText(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	target, ok := s.cfg.Controller.Client(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown connection")
		return
	}

	if !s.cfg.Controller.Send(id, text) {
		s.cfg.EventLog.RecordSendFailure(target)
		writeError(w, http.StatusBadGateway, "could not send to "+target.Description())
		return
	}

	s.cfg.EventLog.RecordSent(target, text)
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	text, ok := decodeText(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	sent, failed := s.cfg.Controller.Broadcast(text)

	response := broadcastResponse{
		Sent:   sent,
		Failed: make([]string, 0, len(failed)),
	}

	for _, client := range failed {
		s.cfg.EventLog.RecordSendFailure(client)
		response.Failed = append(response.Failed, client.ID.String())
	}

	s.cfg.EventLog.Info(fmt.Sprintf("Sent to %d clients: %s", sent, text))
	writeJSON(w, http.StatusOK, response)
}
