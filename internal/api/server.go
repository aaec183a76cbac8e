// Package api is the adapter's HTTP ingress: request validation, routing
// context, error mapping, and the health endpoint.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/feedmux/feedmux/internal/config"
	"github.com/feedmux/feedmux/internal/metrics"
	"github.com/feedmux/feedmux/internal/observability"
	adaptererrors "github.com/feedmux/feedmux/pkg/errors"
	"github.com/feedmux/feedmux/pkg/types"
)

// Resolved is the routing context the validator middleware derives from a
// request body: which endpoint and transport serve it, the normalized params,
// and the cache key they hash to.
type Resolved struct {
	EndpointName  string
	TransportName string
	Params        map[string]any
	CacheKey      string
	Data          *types.RequestData
}

// Adapter is the surface the ingress drives.
type Adapter interface {
	Resolve(ctx context.Context, req *types.Request) (*Resolved, *adaptererrors.AdapterError)
	Execute(ctx context.Context, r *Resolved) (*types.Response, *adaptererrors.AdapterError)
}

type resolvedKey struct{}

// ResolvedFromContext returns the routing context set by the validator.
func ResolvedFromContext(ctx context.Context) *Resolved {
	r, _ := ctx.Value(resolvedKey{}).(*Resolved)
	return r
}

// Server is the adapter's HTTP front end.
type Server struct {
	adapter  Adapter
	settings *config.Settings
	logger   *observability.Logger
	version  string
}

// NewServer builds the ingress for an adapter.
func NewServer(adapter Adapter, settings *config.Settings, logger *observability.Logger, version string) *Server {
	return &Server{adapter: adapter, settings: settings, logger: logger, version: version}
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	base := s.settings.BaseURL
	if base == "" {
		base = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path.Join(base, "health"), s.handleHealth)
	mux.Handle(base, s.validator(http.HandlerFunc(s.handleRequest)))

	var handler http.Handler = mux
	if s.settings.CorrelationIDEnabled {
		handler = observability.CorrelationIDMiddleware(handler)
	}
	return handler
}

// ListenAndServe serves until ctx is canceled, then drains gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.settings.Host, strconv.Itoa(s.settings.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("adapter listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "OK",
		"version": s.version,
	})
}

// validator rejects malformed requests before the handler runs and stores
// the routing context for valid ones.
func (s *Server) validator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, r, adaptererrors.NewInputErrorf("method %s not allowed, use POST", r.Method))
			return
		}

		contentType := r.Header.Get("Content-Type")
		if !strings.Contains(contentType, "application/json") {
			s.writeError(w, r, adaptererrors.NewInputErrorf("content type %q not supported, use application/json", contentType))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, s.settings.MaxPayloadSize)
		var req types.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, adaptererrors.NewInputErrorf("request body is not valid JSON: %v", err))
			return
		}

		resolved, aerr := s.adapter.Resolve(r.Context(), &req)
		if aerr != nil {
			s.writeError(w, r, aerr)
			return
		}

		ctx := context.WithValue(r.Context(), resolvedKey{}, resolved)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleRequest executes a validated request. The HTTP status mirrors the
// envelope's statusCode.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	resolved := ResolvedFromContext(r.Context())
	if resolved == nil {
		s.writeError(w, r, adaptererrors.NewInternalError("request reached handler without routing context"))
		return
	}

	resp, aerr := s.adapter.Execute(r.Context(), resolved)
	if aerr != nil {
		aerr.Endpoint = resolved.EndpointName
		aerr.Transport = resolved.TransportName
		s.writeError(w, r, aerr)
		metrics.RequestsTotal.WithLabelValues(resolved.EndpointName, resolved.TransportName,
			strconv.Itoa(aerr.HTTPStatusCode())).Inc()
		return
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	metrics.RequestsTotal.WithLabelValues(resolved.EndpointName, resolved.TransportName,
		strconv.Itoa(status)).Inc()
	writeJSON(w, status, resp)
}

// writeError maps an AdapterError onto the structured error body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, aerr *adaptererrors.AdapterError) {
	status := aerr.HTTPStatusCode()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"error", aerr, "correlation_id", observability.CorrelationIDFromContext(r.Context()))
	} else {
		s.logger.Debug("request rejected",
			"error", aerr, "correlation_id", observability.CorrelationIDFromContext(r.Context()))
	}

	writeJSON(w, status, map[string]any{
		"status":     types.StatusErrored,
		"statusCode": status,
		"error": map[string]string{
			"name":    aerr.Name,
			"message": aerr.Message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
