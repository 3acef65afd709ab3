package lib

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gasfree-labs/gasfree/internal"
	"github.com/gasfree-labs/gasfree/lib/challenge"
	"github.com/gasfree-labs/gasfree/lib/localization"
)

const maxBodySize = 64 << 10

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	Fingerprint string `json:"fingerprint,omitempty"`
	// Detail is the underlying ledger error, set only for LedgerFailure.
	Detail string `json:"detail,omitempty"`
}

// cors lets the widget call the API from any origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Accept-Language, X-Request-Id")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, route string, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	requestsServed.WithLabelValues(route, strconv.Itoa(status)).Inc()

	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) respondWithCode(w http.ResponseWriter, r *http.Request, route string, status int, body ErrorResponse) {
	body.Error = localization.GetLocalizer(r).T(body.Code)
	s.respondWithJSON(w, route, status, body)
}

// respondWithError reports err to the client. Errors that are not a
// *challenge.Error are internal and their text is not shown.
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, route string, err error) {
	lg := internal.GetRequestLogger(r)

	var cerr *challenge.Error
	if !errors.As(err, &cerr) {
		lg.Error("unexpected error", "err", err)
		s.respondWithCode(w, r, route, http.StatusInternalServerError, ErrorResponse{Code: "internal_error"})
		return
	}

	lg.Debug("request failed", "code", cerr.Code, "err", cerr)

	body := ErrorResponse{Code: cerr.Code, Fingerprint: cerr.Fingerprint}
	if cerr.Code == challenge.CodeLedgerFailure && cerr.PrivateReason != nil {
		body.Detail = cerr.PrivateReason.Error()
	}

	s.respondWithCode(w, r, route, cerr.StatusCode, body)
}
