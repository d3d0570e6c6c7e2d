package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/koradi/koradi/internal/krmetrics"
	"github.com/koradi/koradi/internal/util/stringutil"
)

//
// APIKeyMiddleware
//

// APIKeyMiddleware rejects requests whose `x-api-key` header doesn't match
// the configured key. An empty configured key rejects everything.
type APIKeyMiddleware struct {
	apiKey string
}

func (m *APIKeyMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("x-api-key")

		if m.apiKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(m.apiKey)) != 1 {
			writeServerError(w, r, NewServerError(http.StatusUnauthorized, ErrMessageAPIKeyInvalid))
			return
		}

		next.ServeHTTP(w, r)
	})
}

//
// CORSMiddleware
//

type CORSMiddleware struct{}

func (m *CORSMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Access-Control-Allow-Methods", "DELETE, GET, OPTIONS, PATCH, POST")
		w.Header().Add("Access-Control-Allow-Origin", "*")
		w.Header().Add("Access-Control-Allow-Headers", "Content-Type, X-Api-Key")
		w.Header().Add("Access-Control-Expose-Headers", "Content-Type, Retry-After")
		next.ServeHTTP(w, r)
	})
}

//
// CanonicalLogLineMiddleware
//

type CanonicalLogLineMiddleware struct {
	// A channel over which log data is sent as it's generated, if the channel
	// is set. This is intended for testing purposes so that we can verify log
	// data being generated.
	logDataChan chan map[string]any

	logger *logrus.Logger
}

func (m *CanonicalLogLineMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := ContextContainerFrom(r.Context())
		requestStart := time.Now()

		next.ServeHTTP(w, r)

		duration := PrettyDuration(time.Since(requestStart))

		routeStr := routeTemplate(r)
		routeOrPath := routeStr
		if routeOrPath == "" {
			routeOrPath = r.URL.Path
		}

		logData := map[string]any{
			"content_type": r.Header.Get("Content-Type"),
			"duration":     duration,
			"http_method":  r.Method,
			"http_path":    r.URL.Path,
			"http_route":   routeStr,
			"ip":           requestIP(r).String(),
			"query_string": stringutil.SampleLong(r.URL.RawQuery),
			"status":       ctxContainer.StatusCode,
			"user_agent":   r.UserAgent(),
		}

		if m.logDataChan != nil {
			m.logDataChan <- logData
		}

		m.logger.WithFields(logrus.Fields(logData)).
			Infof("canonical_log_line %s %s -> %v (%s)", r.Method, routeOrPath, ctxContainer.StatusCode, duration)
	})
}

// PrettyDuration exists for the simple purpose of making a duration more useful
// when it's emitted to a JSON log or as a string.
//
// A duration will normally produce a string like "42.334µs" which is somewhat
// useful for humans, but not friendly for machine ingestion or aggregation.
// This standardizes the way we spit out durations in the log line to give us a
// normal seconds fraction like "0.000042" instead.
type PrettyDuration time.Duration

func (d PrettyDuration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d PrettyDuration) String() string {
	return fmt.Sprintf(`%05fs`, time.Duration(d).Seconds())
}

//
// ContextContainerMiddleware
//

// Internal type so that we can produce a guaranteed unique global context
// value.
type contextContainerContextKey struct{}

// ContextContainer is a type embedded to context that facilitates access to
// various values.
type ContextContainer struct {
	StatusCode int
}

func ContextContainerFrom(ctx context.Context) *ContextContainer {
	return ctx.Value(contextContainerContextKey{}).(*ContextContainer)
}

func maybeContextContainerFrom(ctx context.Context) *ContextContainer {
	ctxContainer, _ := ctx.Value(contextContainerContextKey{}).(*ContextContainer)
	return ctxContainer
}

// ContextContainerMiddleware embeds a context early in the request stack, which
// can be used to set various values along a request's lifecycle that can then
// be introspected by entities including other middleware.
type ContextContainerMiddleware struct{}

func (m *ContextContainerMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = context.WithValue(ctx, contextContainerContextKey{}, &ContextContainer{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

//
// InspectableWriter
//

// InspectableWriter is an http.ResponseWriter that buffers a response instead
// of sending it, so that middleware can inspect or discard it. Headers go
// straight to the underlying writer's header map.
type InspectableWriter struct {
	Body       bytes.Buffer
	StatusCode int

	header http.Header
}

func NewInspectableWriter(header http.Header) *InspectableWriter {
	return &InspectableWriter{header: header}
}

func (w *InspectableWriter) Header() http.Header { return w.header }

func (w *InspectableWriter) Write(data []byte) (int, error) {
	if w.StatusCode == 0 {
		w.StatusCode = http.StatusOK
	}
	return w.Body.Write(data) //nolint:wrapcheck
}

func (w *InspectableWriter) WriteHeader(statusCode int) {
	if w.StatusCode == 0 {
		w.StatusCode = statusCode
	}
}

// FlushTo sends the buffered response to rw.
func (w *InspectableWriter) FlushTo(rw http.ResponseWriter) {
	statusCode := w.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	rw.WriteHeader(statusCode)
	_, _ = rw.Write(w.Body.Bytes())
}

//
// MetricsMiddleware
//

type MetricsMiddleware struct{}

func (m *MetricsMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := ContextContainerFrom(r.Context())
		requestStart := time.Now()

		next.ServeHTTP(w, r)

		route := routeTemplate(r)
		if route == "" {
			route = "unknown"
		}

		krmetrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ctxContainer.StatusCode)).Inc()
		krmetrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(requestStart).Seconds())
	})
}

//
// RateLimitMiddleware
//

const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitIdleTimeout     = 10 * time.Minute
)

// RateLimitMiddleware limits each client IP to a number of requests per
// minute, allowing short bursts. The client is the connection's peer unless
// the peer is a trusted proxy, in which case it's taken from
// `X-Forwarded-For`.
type RateLimitMiddleware struct {
	burst          int
	lastCleanup    time.Time
	limit          rate.Limit
	limiters       map[string]*clientLimiter
	mut            sync.Mutex
	timeNow        func() time.Time
	trustedProxies []*net.IPNet
}

type clientLimiter struct {
	lastSeen time.Time
	limiter  *rate.Limiter
}

func NewRateLimitMiddleware(perMinute, burst int, trustedProxies []*net.IPNet) *RateLimitMiddleware {
	if perMinute <= 0 {
		perMinute = 48
	}
	if burst <= 0 {
		burst = perMinute
	}

	return &RateLimitMiddleware{
		burst:          burst,
		limit:          rate.Every(time.Minute / time.Duration(perMinute)),
		limiters:       make(map[string]*clientLimiter),
		timeNow:        time.Now,
		trustedProxies: trustedProxies,
	}
}

func (m *RateLimitMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, m.trustedProxies)

		key := "unknown"
		if ip != nil {
			key = ip.String()
		}

		if !m.allow(key) {
			krmetrics.RateLimitHits.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(m.retryAfterSeconds()))
			writeServerError(w, r, NewServerError(http.StatusTooManyRequests, ErrMessageRateLimited))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) allow(key string) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	now := m.timeNow()

	if now.Sub(m.lastCleanup) > rateLimitCleanupInterval {
		for k, client := range m.limiters {
			if now.Sub(client.lastSeen) > rateLimitIdleTimeout {
				delete(m.limiters, k)
			}
		}
		m.lastCleanup = now
	}

	client, ok := m.limiters[key]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.limiters[key] = client
	}
	client.lastSeen = now

	return client.limiter.AllowN(now, 1)
}

// retryAfterSeconds is the time until a client that's used up its burst
// earns another request, rounded up to a whole second.
func (m *RateLimitMiddleware) retryAfterSeconds() int {
	return int(math.Ceil(1 / float64(m.limit)))
}

//
// SecurityHeadersMiddleware
//

type SecurityHeadersMiddleware struct{}

func (m *SecurityHeadersMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

//
// TimeoutMiddleware
//

// TimeoutMiddleware bounds how long a request may run. The handler's response
// is buffered and replaced with a 504 if the request's context finishes
// before the handler does. A zero timeout disables the middleware.
//
// Handlers aren't interrupted, only told through their context. One that
// ignores the deadline and succeeds anyway may already have changed state,
// so a 2xx response is sent as is rather than reported as a timeout.
type TimeoutMiddleware struct {
	timeout time.Duration
}

func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	return &TimeoutMiddleware{timeout: timeout}
}

func (m *TimeoutMiddleware) Wrapper(next http.Handler) http.Handler {
	if m.timeout <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()

		requestStart := time.Now()
		inspectableWriter := NewInspectableWriter(w.Header())

		next.ServeHTTP(inspectableWriter, r.WithContext(ctx))

		if err := ctx.Err(); err != nil && !isSuccessStatus(inspectableWriter.StatusCode) {
			writeServerError(w, r, NewServerError(http.StatusGatewayTimeout, (&RequestTimeoutError{
				canceled: err == context.Canceled,
				elapsed:  PrettyDuration(time.Since(requestStart)),
				timeout:  PrettyDuration(m.timeout),
			}).Error()))
			return
		}

		// Some handlers (like /metrics) don't go through wrapEndpoint, so
		// pick up their status here.
		if ctxContainer := maybeContextContainerFrom(r.Context()); ctxContainer != nil && ctxContainer.StatusCode == 0 {
			ctxContainer.StatusCode = inspectableWriter.StatusCode
			if ctxContainer.StatusCode == 0 {
				ctxContainer.StatusCode = http.StatusOK
			}
		}

		inspectableWriter.FlushTo(w)
	})
}

//
// Helpers
//

func requestIP(r *http.Request) net.IP {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		// `X-Forwarded-For` may contain a number of IP addresses, with the
		// original client in the leftmost position, and each intermediary proxy
		// following. In these cases, just include the original IP so that we
		// can aggregate on it from logging. Never use this for anything
		// other than logging because clients control the header.
		ips := strings.Split(forwardedFor, ",")
		return net.ParseIP(strings.TrimSpace(ips[0]))
	}

	return peerIP(r)
}

func isSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// clientIP is the address a request is attributed to for rate limiting. It's
// the connection's peer, except when the peer is a trusted proxy: then
// `X-Forwarded-For` is walked from the right, skipping trusted hops, and the
// first untrusted address wins. Unlike requestIP, a client can't pick its own
// address by sending the header directly.
func clientIP(r *http.Request, trustedProxies []*net.IPNet) net.IP {
	peer := peerIP(r)
	if peer == nil || !ipInNets(peer, trustedProxies) {
		return peer
	}

	forwardedFor := r.Header.Values("X-Forwarded-For")
	var hops []string
	for _, value := range forwardedFor {
		hops = append(hops, strings.Split(value, ",")...)
	}

	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			// Anything left of garbage can't be trusted either.
			return peer
		}
		if !ipInNets(ip, trustedProxies) {
			return ip
		}
	}

	return peer
}

func ipInNets(ip net.IP, nets []*net.IPNet) bool {
	for _, ipNet := range nets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseCIDRs parses a list of CIDR blocks like "10.0.0.0/8". A bare address
// is taken as a single host.
func ParseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}

		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, xerrors.Errorf("invalid trusted proxy address %q", cidr)
			}

			bits := 8 * net.IPv6len
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 8 * net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}

		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, xerrors.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func peerIP(r *http.Request) net.IP {
	ipStr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}

	return net.ParseIP(ipStr)
}

func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}

	pathTemplate, _ := route.GetPathTemplate()
	return pathTemplate
}
