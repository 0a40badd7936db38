package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxHTTPBody = 65536

// HTTPServer serves the same question/answer pipeline over plain HTTP, plus /metrics.
type HTTPServer struct {
	srv     *http.Server
	answer  Answerer
	limiter *rateLimiter
	log     Logger
}

func NewHTTPServer(addr string, answer Answerer, limiter *rateLimiter, gatherer prometheus.Gatherer, log Logger) *HTTPServer {
	if log == nil {
		log = NopLogger()
	}
	s := &HTTPServer{answer: answer, limiter: limiter, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe serves until ctx is done.
func (s *HTTPServer) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("HTTP server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "failed to serve HTTP on %s", s.srv.Addr)
	}
	return nil
}

func (s *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var query string
	switch r.Method {
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		query = r.FormValue("q")
		if query == "" {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxHTTPBody))
			if err != nil {
				http.Error(w, "Failed to read request body", http.StatusBadRequest)
				return
			}
			query = string(body)
		}
	case http.MethodGet:
		query = r.URL.Query().Get("q")
		// Paths like /what-is-go read as "what is go".
		if query == "" && r.URL.Path != "/" {
			query = strings.ReplaceAll(strings.TrimPrefix(r.URL.Path, "/"), "-", " ")
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	prompt, err := extractPrompt(query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wantsJSON := strings.Contains(r.Header.Get("Accept"), "application/json")

	answer, err := s.answer.Query(r.Context(), prompt)
	if err != nil {
		s.log.Warn("HTTP query failed", "error", err)
		if wantsJSON {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if wantsJSON {
		writeJSON(w, http.StatusOK, map[string]string{"question": prompt, "answer": answer})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Q: %s\nA: %s\n", prompt, answer)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
