// Package httpapi implements the HTTP API gateway for CivicPulse.
//
// Security:
//   - Bearer API key authentication on /v1 routes (constant-time comparison);
//     an empty key list leaves the API open, intended for local development
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - Streaming requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/civicpulse/civicpulse/internal/data311"
	"github.com/civicpulse/civicpulse/internal/observability"
	"github.com/civicpulse/civicpulse/internal/orchestrator"
	"github.com/civicpulse/civicpulse/internal/ratelimit"
	"github.com/civicpulse/civicpulse/internal/reports"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string      // Accepted bearer keys. Empty = open access.
	MaxRequestSize int64         // Maximum request body in bytes. 0 = 1 MB default.
	KeepAlive      time.Duration // SSE keep-alive interval. 0 = 15s default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	svc     *reports.Service
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	directory *reports.Directory              // nil = department lookup disabled.
	grader    *reports.Grader                 // nil = AI grading endpoints disabled.
	sources   map[reports.City]data311.Source // nil = live 311 proxy disabled.
	pipeline  *orchestrator.Pipeline          // nil = agent endpoints disabled.
	runs      orchestrator.RunStore           // nil = run inspection disabled.

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket run endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway over the report service.
func NewGateway(cfg Config, svc *reports.Service, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		svc:     svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithDepartments attaches the department directory for nearest lookups.
func (g *Gateway) WithDepartments(d *reports.Directory) *Gateway {
	g.directory = d
	return g
}

// WithGrader attaches the AI grader backing the summary and ranking endpoints.
func (g *Gateway) WithGrader(gr *reports.Grader) *Gateway {
	g.grader = gr
	return g
}

// WithSources attaches live 311 feed clients for the passthrough endpoint.
func (g *Gateway) WithSources(sources map[reports.City]data311.Source) *Gateway {
	g.sources = sources
	return g
}

// WithPipeline attaches the multi-agent run pipeline and its run store.
// The store may be nil, which disables the run inspection endpoints.
func (g *Gateway) WithPipeline(p *orchestrator.Pipeline, runs orchestrator.RunStore) *Gateway {
	g.pipeline = p
	g.runs = runs
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "CivicPulse",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket run endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Report endpoints.
	g.group.Get("/reports", g.handleReportList,
		okapi.DocSummary("List civic issue reports"),
		okapi.DocTags("Reports"),
		okapi.DocResponse([]ReportResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/reports", g.handleReportCreate,
		okapi.DocSummary("Submit a new civic issue report"),
		okapi.DocTags("Reports"),
		okapi.DocRequestBody(ReportCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, ReportResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/reports/{id}", g.handleReportGet,
		okapi.DocSummary("Get a report by ID"),
		okapi.DocTags("Reports"),
		okapi.DocPathParam("id", "string", "Report ID"),
		okapi.DocResponse(ReportResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/reports/{id}/vote", g.handleReportVote,
		okapi.DocSummary("Vote on a report"),
		okapi.DocTags("Reports"),
		okapi.DocPathParam("id", "string", "Report ID"),
		okapi.DocRequestBody(VoteRequest{}),
		okapi.DocResponse(VoteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Comment endpoints.
	g.group.Get("/comments", g.handleCommentList,
		okapi.DocSummary("List comments for a report"),
		okapi.DocTags("Comments"),
		okapi.DocResponse([]CommentResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/comments", g.handleCommentCreate,
		okapi.DocSummary("Add a comment to a report"),
		okapi.DocTags("Comments"),
		okapi.DocRequestBody(CommentCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, CommentResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/comments/count", g.handleCommentCounts,
		okapi.DocSummary("Get comment counts for a set of reports"),
		okapi.DocTags("Comments"),
		okapi.DocRequestBody(CommentCountRequest{}),
		okapi.DocResponse(CommentCountResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Department routing (only if the directory is configured).
	if g.directory != nil {
		g.group.Get("/departments", g.handleDepartments,
			okapi.DocSummary("Find the nearest department office for an issue"),
			okapi.DocTags("Departments"),
			okapi.DocResponse(DepartmentsResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// AI grading endpoints (only if a grader is configured).
	if g.grader != nil {
		g.group.Post("/reports/{id}/summary", g.handleReportSummary,
			okapi.DocSummary("Summarize and grade a report"),
			okapi.DocTags("Reports"),
			okapi.DocPathParam("id", "string", "Report ID"),
			okapi.DocResponse(SummaryResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/reports/rank", g.handleReportRank,
			okapi.DocSummary("Compare two reports by criticality"),
			okapi.DocTags("Reports"),
			okapi.DocRequestBody(RankRequest{}),
			okapi.DocResponse(RankResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Live 311 feed passthrough (only if sources are configured).
	if g.sources != nil {
		g.group.Get("/sources/311/{city}", g.handleSource311,
			okapi.DocSummary("Fetch live 311 cases for a city"),
			okapi.DocTags("Sources"),
			okapi.DocPathParam("city", "string", "City code (SF, BOSTON)"),
			okapi.DocResponse([]data311.Case{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Agent run endpoints (only if the pipeline is configured).
	if g.pipeline != nil {
		g.group.Post("/agents", g.handleAgentOneShot,
			okapi.DocSummary("Run the analysis pipeline and return buffered output"),
			okapi.DocTags("Agents"),
			okapi.DocRequestBody(RunStartRequest{}),
			okapi.DocResponse(RunResultResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		)
		if g.runs != nil {
			g.group.Get("/runs/{id}", g.handleRunGet,
				okapi.DocSummary("Get run metadata"),
				okapi.DocTags("Agents"),
				okapi.DocPathParam("id", "string", "Run ID"),
				okapi.DocResponse(RunResponse{}),
				okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			)
			g.group.Get("/runs/{id}/events", g.handleRunEvents,
				okapi.DocSummary("List a run's event log"),
				okapi.DocTags("Agents"),
				okapi.DocPathParam("id", "string", "Run ID"),
				okapi.DocResponse([]RunEventResponse{}),
				okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			)
		}

		// SSE streaming endpoint. Mounted as a std handler because the
		// emitter needs direct access to the response writer and flusher.
		g.okapi.HandleStd("POST", "/v1/agents/run", g.handleAgentStream)
		g.okapi.HandleStd("GET", "/v1/agents/run", g.handleAgentStream)
	}

	// Extra handlers (e.g., WebSocket run endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.Ready(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key and stores the rate-limit client
// identity on the context. An empty key list leaves the API open and uses the
// remote host as the client identity.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("clientID", remoteHost(c.Request()))
			return next(c)
		}

		key, ok := bearerKey(c.Request())
		if !ok {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		if !matchKey(g.config.APIKeys, key) {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", key)
		return next(c)
	}
}

// authorize applies the same bearer check for std handlers. Returns the
// rate-limit client identity.
func (g *Gateway) authorize(r *http.Request) (string, bool) {
	if len(g.config.APIKeys) == 0 {
		return remoteHost(r), true
	}
	key, ok := bearerKey(r)
	if !ok || !matchKey(g.config.APIKeys, key) {
		return "", false
	}
	return key, true
}

// bearerKey extracts the bearer token from the Authorization header.
func bearerKey(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(h, "Bearer "), true
}

// matchKey compares the presented key against every configured key so timing
// does not reveal which entry matched.
func matchKey(keys []string, presented string) bool {
	matched := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(k)) == 1 {
			matched = true
		}
	}
	return matched
}

// limited reports whether the client has exhausted its rate budget.
func (g *Gateway) limited(clientID string) bool {
	return g.limiter != nil && g.limiter.Allow(clientID) != nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// keepAlive returns the SSE keep-alive interval.
func (g *Gateway) keepAlive() time.Duration {
	if g.config.KeepAlive > 0 {
		return g.config.KeepAlive
	}
	return 15 * time.Second
}

// maxRequestSize returns the request body cap for the streaming endpoint.
func (g *Gateway) maxRequestSize() int64 {
	if g.config.MaxRequestSize > 0 {
		return g.config.MaxRequestSize
	}
	return defaultMaxRequestSize
}
