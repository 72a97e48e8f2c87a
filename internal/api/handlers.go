package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-simulator/internal/auth"
	"github.com/lorawan-server/lorawan-simulator/pkg/lorawan"
)

// HandleLogin exchanges a username and password for a bearer token.
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.respondError(w, http.StatusNotFound, "authentication is disabled")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	token, err := s.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	case err != nil:
		log.Error().Err(err).Msg("Failed to issue token")
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_in":   int(s.auth.TTL().Seconds()),
		"token_type":   "Bearer",
	})
}

// HandleListDevices lists the session snapshot of every device.
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	sessions := s.status.Sessions()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": sessions,
		"total":   len(sessions),
	})
}

// HandleGetDevice returns one device session.
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	devEUI, err := lorawan.ParseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid DevEUI")
		return
	}

	sess, ok := s.status.Session(devEUI)
	if !ok {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

// HandleGetGateway returns the forwarder state and counters.
func (s *RESTServer) HandleGetGateway(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.status.Gateway())
}

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"gateway": s.status.Gateway().State,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"time":    time.Now(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "LoRaWAN Simulator",
		"health":  "/api/v1/health",
		"devices": "/api/v1/devices",
		"gateway": "/api/v1/gateway",
		"metrics": "/metrics",
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
