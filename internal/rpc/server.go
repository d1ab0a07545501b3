// ============================================================================
// RPC Server
// ============================================================================
//
// Package: internal/rpc
// File: server.go
// Purpose: Generic authenticated JSON-over-HTTP server. Dispatches each
// POST /rpc/<method> request to a registered Handler after verifying the
// envelope's HMAC, and signs the reply with the same shared secret.
//
// ============================================================================

package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// Handler decodes the verified request body into its own concrete type,
// executes the RPC, and returns a value to be marshaled back, or an
// application error.
type Handler func(r *http.Request, body json.RawMessage) (interface{}, error)

// Server multiplexes RPC methods over HTTP, verifying every inbound
// envelope's HMAC before it reaches a Handler.
type Server struct {
	Secret  []byte
	mux     *http.ServeMux
	log     *slog.Logger
}

// NewServer creates an RPC server authenticated with secret.
func NewServer(secret []byte, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		Secret: secret,
		mux:    http.NewServeMux(),
		log:    log,
	}
	return s
}

// Handle registers a Handler for a named RPC method.
func (s *Server) Handle(method string, h Handler) {
	s.mux.HandleFunc("/rpc/"+method, s.wrap(method, h))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) wrap(method string, h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			http.Error(w, "malformed envelope", http.StatusBadRequest)
			return
		}

		var body json.RawMessage
		if err := Verify(s.Secret, env, &body); err != nil {
			if errors.Is(err, ErrAuth) {
				s.log.Warn("rpc auth rejected", "method", method, "remote", r.RemoteAddr)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			http.Error(w, "bad envelope", http.StatusBadRequest)
			return
		}

		result, appErr := h(r, body)
		if appErr != nil {
			s.log.Error("rpc handler error", "method", method, "error", appErr)
			http.Error(w, appErr.Error(), http.StatusInternalServerError)
			return
		}

		respEnv, err := Sign(s.Secret, result)
		if err != nil {
			http.Error(w, "failed to sign response", http.StatusInternalServerError)
			return
		}

		respBytes, err := json.Marshal(respEnv)
		if err != nil {
			http.Error(w, "failed to marshal response", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(respBytes)
	}
}
