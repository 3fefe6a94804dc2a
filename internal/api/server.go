package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/processing/internal/engine"
	"github.com/seantiz/processing/internal/execution"
	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/process"
	"github.com/seantiz/processing/internal/store"
)

var tracer = otel.Tracer("github.com/seantiz/processing/internal/api")

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Executions is the part of the execution service the API exposes.
type Executions interface {
	Get(ctx context.Context, id string) (*model.Execution, error)
	Search(ctx context.Context, f store.ExecutionFilter) ([]*model.Execution, int, error)
	Cancel(ctx context.Context, id, reason string) (*model.Execution, error)
	Broker() *execution.StepBroker
}

// OutputFiles records downloads of output files.
type OutputFiles interface {
	MarkDownloaded(ctx context.Context, urls []string) (int, error)
}

// Engines lists the registered workload engines.
type Engines interface {
	List() []engine.Info
}

// Processes lists the registered processes.
type Processes interface {
	List() []process.Info
}

// Deps are the collaborators behind the API.
type Deps struct {
	Executions  Executions
	OutputFiles OutputFiles
	Engines     Engines
	Processes   Processes

	// Health maps a dependency name to its reachability check for /healthz.
	Health map[string]Pinger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router      *chi.Mux
	executions  Executions
	outputFiles OutputFiles
	engines     Engines
	processes   Processes
	health      map[string]Pinger
	validate    *validator.Validate
	logger      *slog.Logger
	addr        string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:      chi.NewRouter(),
		executions:  deps.Executions,
		outputFiles: deps.OutputFiles,
		engines:     deps.Engines,
		processes:   deps.Processes,
		health:      deps.Health,
		validate:    validator.New(),
		logger:      logger,
		addr:        addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(tracingMiddleware)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/engines", s.handleListEngines)
	s.router.Get("/v1/processes", s.handleListProcesses)

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.Get("/", s.handleSearchExecutions)
		r.Get("/{id}", s.handleGetExecution)
		r.Get("/{id}/steps", s.handleStreamSteps)
		r.Post("/{id}/cancel", s.handleCancelExecution)
	})

	s.router.Post("/v1/outputfiles/downloaded", s.handleMarkDownloaded)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}
		s.logger.Info("request", attrs...)
	})
}

// tracingMiddleware opens a server span per request.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("request_id", middleware.GetReqID(r.Context())),
			))
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
