// Package lib is the HTTP API of the verification and relay service.
package lib

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gasfree-labs/gasfree"
	"github.com/gasfree-labs/gasfree/internal"
	"github.com/gasfree-labs/gasfree/lib/challenge"
	"github.com/gasfree-labs/gasfree/lib/pipeline"
	"github.com/gasfree-labs/gasfree/lib/question"
	"github.com/gasfree-labs/gasfree/lib/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gasfree_api_requests",
	Help: "The number of API requests by route and status code",
}, []string{"route", "code"})

type Server struct {
	mux        *http.ServeMux
	challenges *challenge.Store
	questions  *question.Generator
	pipeline   *pipeline.Pipeline
	relay      *relay.Executor
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+gasfree.APIPrefix+"generate-question", s.GenerateQuestion)
	mux.HandleFunc("POST "+gasfree.APIPrefix+"verify-answer", s.VerifyAnswer)
	mux.HandleFunc("POST "+gasfree.APIPrefix+"relay-transaction", s.RelayTransaction)
	mux.HandleFunc("GET "+gasfree.APIPrefix+"verifications/{fingerprint}", s.GetVerification)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("OK"))
	})

	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cors(s.mux).ServeHTTP(w, r)
}

type generateQuestionRequest struct {
	SessionID string `json:"sessionId"`
}

type generateQuestionResponse struct {
	Question string `json:"question"`
}

func (s *Server) GenerateQuestion(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	var req generateQuestionRequest
	if err := decodeJSON(w, r, &req); err != nil || req.SessionID == "" {
		lg.Debug("bad generate-question request", "err", err)
		s.respondWithCode(w, r, "generate-question", http.StatusBadRequest, ErrorResponse{Code: challenge.CodeMissingFields})
		return
	}

	q := s.questions.Generate(r.Context(), lg)

	if _, err := s.challenges.Issue(r.Context(), req.SessionID, q, map[string]string{
		"x-real-ip":  r.Header.Get("X-Real-Ip"),
		"user-agent": r.UserAgent(),
	}); err != nil {
		lg.Error("can't issue challenge", "err", err)
		s.respondWithCode(w, r, "generate-question", http.StatusInternalServerError, ErrorResponse{Code: "internal_error"})
		return
	}

	lg.Debug("issued question", "session_id", req.SessionID)
	s.respondWithJSON(w, "generate-question", http.StatusOK, generateQuestionResponse{Question: q})
}

func (s *Server) VerifyAnswer(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	var req pipeline.Request
	if err := decodeJSON(w, r, &req); err != nil {
		lg.Debug("malformed verify-answer request", "err", err)
		s.respondWithCode(w, r, "verify-answer", http.StatusBadRequest, ErrorResponse{Code: challenge.CodeMissingFields})
		return
	}

	out, err := s.pipeline.Verify(r.Context(), lg, req)
	if err != nil {
		s.respondWithError(w, r, "verify-answer", err)
		return
	}

	s.respondWithJSON(w, "verify-answer", http.StatusOK, out)
}

type relayResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash"`
}

func (s *Server) RelayTransaction(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	var req relay.Request
	if err := decodeJSON(w, r, &req); err != nil {
		lg.Debug("malformed relay-transaction request", "err", err)
		s.respondWithCode(w, r, "relay-transaction", http.StatusBadRequest, ErrorResponse{Code: challenge.CodeMissingFields})
		return
	}

	hash, err := s.relay.Relay(r.Context(), lg, req)
	if err != nil {
		s.respondWithError(w, r, "relay-transaction", err)
		return
	}

	s.respondWithJSON(w, "relay-transaction", http.StatusOK, relayResponse{Success: true, TxHash: hash})
}

func (s *Server) GetVerification(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	entry, err := s.pipeline.Lookup(r.Context(), r.PathValue("fingerprint"))
	switch {
	case errors.Is(err, pipeline.ErrJournalNotFound):
		s.respondWithCode(w, r, "verifications", http.StatusNotFound, ErrorResponse{Code: "not_found"})
		return
	case err != nil:
		lg.Error("can't read journal", "err", err)
		s.respondWithCode(w, r, "verifications", http.StatusInternalServerError, ErrorResponse{Code: "internal_error"})
		return
	}

	s.respondWithJSON(w, "verifications", http.StatusOK, entry)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(dst)
}
