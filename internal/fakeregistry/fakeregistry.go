// Package fakeregistry serves a CommonsDB registry and an RFC 3161 TSA over
// httptest for tests.
package fakeregistry

import (
	"encoding/asn1"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const (
	DeclarePath = "/v1/declare"
	TSAPath     = "/tsr"
)

// Declaration is one request received by the registry.
type Declaration struct {
	Authorization string
	UserAgent     string
	ContentType   string
	Body          map[string]any
}

// Response is a canned registry reply.
type Response struct {
	Status int
	Body   any
}

// Server is the fake. Its zero responses are a 200 with a fresh cidV1 and a
// granted TimeStampResp.
type Server struct {
	srv *httptest.Server

	mu           sync.Mutex
	declarations []Declaration
	tsaRequests  [][]byte
	queue        []Response
	tsaStatus    int
	nextCID      int
}

// New starts a Server and registers its shutdown with t.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{tsaStatus: http.StatusOK}
	r := chi.NewRouter()
	r.Post(DeclarePath, s.handleDeclare)
	r.Post(TSAPath, s.handleTSA)
	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

// URL of the registry endpoint.
func (s *Server) URL() string { return s.srv.URL + DeclarePath }

// TSAURL of the time-stamp endpoint.
func (s *Server) TSAURL() string { return s.srv.URL + TSAPath }

// Client returns an HTTP client for the server.
func (s *Server) Client() *http.Client { return s.srv.Client() }

// Respond queues replies for the next registry requests in order.
func (s *Server) Respond(rs ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, rs...)
}

// FailTSA makes the TSA answer with status until reset with 200.
func (s *Server) FailTSA(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tsaStatus = status
}

// Declarations returns the registry requests received so far.
func (s *Server) Declarations() []Declaration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Declaration(nil), s.declarations...)
}

// TSARequests returns the raw TimeStampReq bodies received so far.
func (s *Server) TSARequests() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.tsaRequests...)
}

func (s *Server) handleDeclare(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid JSON body"})
		return
	}

	s.mu.Lock()
	s.declarations = append(s.declarations, Declaration{
		Authorization: r.Header.Get("Authorization"),
		UserAgent:     r.Header.Get("User-Agent"),
		ContentType:   r.Header.Get("Content-Type"),
		Body:          body,
	})
	var resp Response
	if len(s.queue) > 0 {
		resp = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		s.nextCID++
		resp = Response{Status: http.StatusOK, Body: map[string]any{
			"cidV1": fmt.Sprintf("bafkfake%04d", s.nextCID),
		}}
	}
	s.mu.Unlock()

	if raw, ok := resp.Body.(string); ok {
		w.WriteHeader(resp.Status)
		_, _ = io.WriteString(w, raw)
		return
	}
	writeJSON(w, resp.Status, resp.Body)
}

func (s *Server) handleTSA(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != "application/timestamp-query" {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}
	tsq, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.tsaRequests = append(s.tsaRequests, tsq)
	status := s.tsaStatus
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "tsa unavailable", status)
		return
	}
	w.Header().Set("Content-Type", "application/timestamp-reply")
	_, _ = w.Write(GrantedResponse())
}

// GrantedResponse returns a minimal TimeStampResp with status granted and a
// placeholder token.
func GrantedResponse() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(resp *cryptobyte.Builder) {
		resp.AddASN1(cbasn1.SEQUENCE, func(info *cryptobyte.Builder) {
			info.AddASN1Int64(0)
		})
		resp.AddASN1(cbasn1.SEQUENCE, func(token *cryptobyte.Builder) {
			token.AddASN1ObjectIdentifier(asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2})
		})
	})
	return b.BytesOrPanic()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
