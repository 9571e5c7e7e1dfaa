package githubstats

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"encore.app/pkg/middleware"
	"encore.app/pkg/models"
)

// Envelope is the uniform JSON response wrapper for all cache routes.
// Staleness is always disclosed; data is null exactly when error is set.
type Envelope struct {
	Success   bool              `json:"success"`
	Data      json.RawMessage   `json:"data"`
	Cached    bool              `json:"cached"`
	Stale     bool              `json:"stale"`
	Age       int64             `json:"age"` // seconds since last successful fetch
	Source    string            `json:"source,omitempty"`
	RateLimit *models.RateLimit `json:"rateLimit,omitempty"`
	Error     string            `json:"error,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Middleware chains for the raw endpoints. CORS runs innermost so preflight
// responses still carry the request ID header set by the logger.
var (
	profileChain       = middleware.RequestLogger(middleware.CORS(http.HandlerFunc(serveProfile)))
	reposChain         = middleware.RequestLogger(middleware.CORS(http.HandlerFunc(serveRepos)))
	contributionsChain = middleware.RequestLogger(middleware.CORS(http.HandlerFunc(serveContributions)))
	statsChain         = middleware.RequestLogger(middleware.CORS(http.HandlerFunc(serveStats)))
	invalidateChain    = middleware.RequestLogger(middleware.CORS(http.HandlerFunc(serveInvalidate)))
)

// Profile serves the cached GitHub profile.
//
//encore:api public raw method=GET path=/github/profile
func Profile(w http.ResponseWriter, req *http.Request) {
	profileChain.ServeHTTP(w, req)
}

// Repos serves one cached page of repositories.
//
//encore:api public raw method=GET path=/github/repos
func Repos(w http.ResponseWriter, req *http.Request) {
	reposChain.ServeHTTP(w, req)
}

// Contributions serves one cached contribution year with derived streaks.
//
//encore:api public raw method=GET path=/github/contributions
func Contributions(w http.ResponseWriter, req *http.Request) {
	contributionsChain.ServeHTTP(w, req)
}

// Stats serves the cached aggregate stats summary.
//
//encore:api public raw method=GET path=/github/stats
func Stats(w http.ResponseWriter, req *http.Request) {
	statsChain.ServeHTTP(w, req)
}

// Invalidate wipes all cached entries for the configured user. POST only.
//
//encore:api public raw method=* path=/github/invalidate
func Invalidate(w http.ResponseWriter, req *http.Request) {
	invalidateChain.ServeHTTP(w, req)
}

func serveProfile(w http.ResponseWriter, req *http.Request) {
	if !ready(w, req) {
		return
	}
	serveEntity(w, req, svc.profileEntity(svc.config.Username))
}

func serveRepos(w http.ResponseWriter, req *http.Request) {
	if !ready(w, req) {
		return
	}
	q := req.URL.Query()
	page := intParam(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	perPage := intParam(q.Get("per_page"), svc.config.DefaultPerPage)
	if perPage < 1 {
		perPage = svc.config.DefaultPerPage
	}
	if perPage > svc.config.MaxPerPage {
		perPage = svc.config.MaxPerPage
	}
	serveEntity(w, req, svc.reposEntity(svc.config.Username, page, perPage))
}

func serveContributions(w http.ResponseWriter, req *http.Request) {
	if !ready(w, req) {
		return
	}
	year := intParam(req.URL.Query().Get("year"), svc.clock().Year())
	if year < 2008 || year > svc.clock().Year() { // GitHub predates neither
		year = svc.clock().Year()
	}
	serveEntity(w, req, svc.contributionsEntity(svc.config.Username, year))
}

func serveStats(w http.ResponseWriter, req *http.Request) {
	if !ready(w, req) {
		return
	}
	serveEntity(w, req, svc.statsEntity(svc.config.Username))
}

func serveInvalidate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, req, http.StatusMethodNotAllowed, "invalidation requires POST")
		return
	}
	if !ready(w, req) {
		return
	}
	if !svc.limiter.Allow(middleware.KeyByIP(req)) {
		writeError(w, req, http.StatusTooManyRequests, "invalidation rate limit exceeded")
		return
	}

	requestID := middleware.RequestIDFromCtx(req.Context())
	if err := svc.invalidate(req.Context(), requestID); err != nil {
		writeError(w, req, http.StatusInternalServerError, err.Error())
		return
	}

	data, _ := json.Marshal(map[string]interface{}{
		"username":    svc.config.Username,
		"invalidated": true,
	})
	writeEnvelope(w, http.StatusOK, "no-cache", Envelope{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
}

// serveEntity runs the lookup and translates the outcome into the envelope,
// status code, and Cache-Control header.
func serveEntity(w http.ResponseWriter, req *http.Request, e entity) {
	res, err := svc.resolve(req.Context(), e)
	if err != nil {
		var upstream *upstreamError
		status := http.StatusInternalServerError
		if errors.As(err, &upstream) {
			status = http.StatusBadGateway
		}
		writeError(w, req, status, err.Error())
		return
	}

	// A second caching tier: CDNs may hold fresh responses for the rest of
	// their freshness window.
	cacheControl := "no-cache"
	if res.Cached && !res.Stale {
		cacheControl = fmt.Sprintf("public, max-age=%d", int64(res.RemainingFresh.Seconds()))
	}

	writeEnvelope(w, http.StatusOK, cacheControl, Envelope{
		Success:   true,
		Data:      res.Payload,
		Cached:    res.Cached,
		Stale:     res.Stale,
		Age:       int64(res.Age.Seconds()),
		Source:    res.Source,
		RateLimit: res.RateLimit,
		RequestID: middleware.RequestIDFromCtx(req.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// ready answers 503 when the service lacks its credential or username.
// Configuration is checked before any cache logic runs.
func ready(w http.ResponseWriter, req *http.Request) bool {
	if svc == nil || !svc.configured() {
		writeError(w, req, http.StatusServiceUnavailable, "github credential or username not configured")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, req *http.Request, status int, message string) {
	writeEnvelope(w, status, "no-cache", Envelope{
		Error:     message,
		RequestID: middleware.RequestIDFromCtx(req.Context()),
		Timestamp: time.Now().UTC(),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, cacheControl string, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", cacheControl)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		// Headers are already written; nothing left to do but note it.
		log.Printf("[WARN] encode response envelope: %v", err)
	}
}

// intParam parses a positive integer query parameter, falling back to the
// default on absence or garbage.
func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
