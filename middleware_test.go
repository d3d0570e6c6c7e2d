package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyMiddleware(t *testing.T) {
	ctx := context.Background()

	newRouter := func(apiKey string) *mux.Router {
		router := mux.NewRouter()
		router.Use((&APIKeyMiddleware{apiKey: apiKey}).Wrapper)
		router.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {})
		return router
	}

	serveWithKey := func(router *mux.Router, key string) *httptest.ResponseRecorder {
		r := mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil)
		if key != "" {
			r.Header.Set("X-Api-Key", key)
		}

		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, r)
		return recorder
	}

	t.Run("Match", func(t *testing.T) {
		recorder := serveWithKey(newRouter("secret"), "secret")
		require.Equal(t, http.StatusOK, recorder.Code)
	})

	t.Run("Mismatch", func(t *testing.T) {
		recorder := serveWithKey(newRouter("secret"), "not-secret")
		require.Equal(t, http.StatusUnauthorized, recorder.Code)
		require.JSONEq(t, `{"error": "`+ErrMessageAPIKeyInvalid+`"}`, recorder.Body.String())
	})

	t.Run("Missing", func(t *testing.T) {
		recorder := serveWithKey(newRouter("secret"), "")
		require.Equal(t, http.StatusUnauthorized, recorder.Code)
	})

	t.Run("UnconfiguredRejectsEverything", func(t *testing.T) {
		recorder := serveWithKey(newRouter(""), "")
		require.Equal(t, http.StatusUnauthorized, recorder.Code)
	})
}

func TestCORSMiddleware(t *testing.T) {
	ctx := context.Background()

	router := mux.NewRouter()
	router.Use((&CORSMiddleware{}).Wrapper)
	router.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "DELETE, GET, OPTIONS, PATCH, POST", recorder.Header().Get("Access-Control-Allow-Methods"))
	require.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Content-Type, X-Api-Key", recorder.Header().Get("Access-Control-Allow-Headers"))
	require.Equal(t, "Content-Type, Retry-After", recorder.Header().Get("Access-Control-Expose-Headers"))
}

func TestCanonicalLogLineMiddleware(t *testing.T) {
	ctx := context.Background()
	logDataChan := make(chan map[string]any, 1)

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use((&CanonicalLogLineMiddleware{logDataChan: logDataChan, logger: logrus.New()}).Wrapper)
	router.HandleFunc("/api/messages/{lang}", func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := ContextContainerFrom(r.Context())
		ctxContainer.StatusCode = http.StatusCreated
		w.WriteHeader(http.StatusCreated)
	})

	recorder := httptest.NewRecorder()
	r := mustNewRequest(ctx, http.MethodPost, "/api/messages/French?a=b", nil, nil)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", "test-agent")
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	router.ServeHTTP(recorder, r)

	logData := <-logDataChan
	require.Equal(t, map[string]any{
		"content_type": "application/json",
		"duration":     logData["duration"], // hard to assert on
		"http_method":  http.MethodPost,
		"http_path":    "/api/messages/French",
		"http_route":   "/api/messages/{lang}",
		"ip":           "203.0.113.7",
		"query_string": "a=b",
		"status":       http.StatusCreated,
		"user_agent":   "test-agent",
	}, logData)
}

func TestContextContainerMiddleware(t *testing.T) {
	ctx := context.Background()
	var ctxContainer *ContextContainer

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		ctxContainer = ContextContainerFrom(r.Context())
		ctxContainer.StatusCode = http.StatusCreated
		w.WriteHeader(http.StatusCreated)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil))

	require.Equal(t, http.StatusCreated, ctxContainer.StatusCode)
}

func TestInspectableWriter(t *testing.T) {
	t.Run("TracksStatus", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		inspectableWriter := NewInspectableWriter(recorder.Header())

		inspectableWriter.WriteHeader(http.StatusCreated)
		_, _ = inspectableWriter.Write([]byte("hello"))

		require.Equal(t, http.StatusCreated, inspectableWriter.StatusCode)
		require.Equal(t, "hello", inspectableWriter.Body.String())

		// Nothing reaches the underlying writer until flushed.
		require.Empty(t, recorder.Body.String())

		inspectableWriter.FlushTo(recorder)
		require.Equal(t, http.StatusCreated, recorder.Code)
		require.Equal(t, "hello", recorder.Body.String())
	})

	t.Run("TracksDefaultStatus", func(t *testing.T) {
		inspectableWriter := NewInspectableWriter(http.Header{})

		_, err := inspectableWriter.Write([]byte{})
		require.NoError(t, err)

		require.Equal(t, http.StatusOK, inspectableWriter.StatusCode)
	})

	t.Run("FirstStatusWins", func(t *testing.T) {
		inspectableWriter := NewInspectableWriter(http.Header{})

		inspectableWriter.WriteHeader(http.StatusNotFound)
		inspectableWriter.WriteHeader(http.StatusOK)

		require.Equal(t, http.StatusNotFound, inspectableWriter.StatusCode)
	})

	t.Run("SharesHeader", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		inspectableWriter := NewInspectableWriter(recorder.Header())

		inspectableWriter.Header().Set("X-Test", "value")
		require.Equal(t, "value", recorder.Header().Get("X-Test"))
	})
}

func TestMetricsMiddleware(t *testing.T) {
	ctx := context.Background()

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use((&MetricsMiddleware{}).Wrapper)
	router.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		ContextContainerFrom(r.Context()).StatusCode = http.StatusAccepted
		w.WriteHeader(http.StatusAccepted)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil))

	require.Equal(t, http.StatusAccepted, recorder.Code)
}

func TestPrettyDuration(t *testing.T) {
	require.Equal(t, "0.000042s", PrettyDuration(42*time.Microsecond).String())
	require.Equal(t, "1.500000s", PrettyDuration(1500*time.Millisecond).String())

	data, err := PrettyDuration(2 * time.Second).MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"2.000000s"`, string(data))
}

func TestRateLimitMiddleware(t *testing.T) {
	var (
		ctx                 context.Context
		middleware          *RateLimitMiddleware
		now                 time.Time
		handler             http.Handler
		requestFrom         func(ip string) *httptest.ResponseRecorder
		requestForwardedFor func(peer, forwardedFor string) *httptest.ResponseRecorder
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()
			now = stableTime

			trustedProxies, err := ParseCIDRs([]string{"10.0.0.0/8"})
			require.NoError(t, err)

			// Two requests a minute, so one every 30 seconds.
			middleware = NewRateLimitMiddleware(2, 2, trustedProxies)
			middleware.timeNow = func() time.Time { return now }

			handler = middleware.Wrapper(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

			requestForwardedFor = func(peer, forwardedFor string) *httptest.ResponseRecorder {
				r := mustNewRequest(ctx, http.MethodGet, "/api/messages/English", nil, nil)
				r.RemoteAddr = peer + ":4321"
				if forwardedFor != "" {
					r.Header.Set("X-Forwarded-For", forwardedFor)
				}

				recorder := httptest.NewRecorder()
				handler.ServeHTTP(recorder, r)
				return recorder
			}

			requestFrom = func(ip string) *httptest.ResponseRecorder {
				return requestForwardedFor(ip, "")
			}

			test(t)
		}
	}

	t.Run("AllowsBurst", setup(func(t *testing.T) {
		require.Equal(t, http.StatusOK, requestFrom("192.0.2.1").Code)
		require.Equal(t, http.StatusOK, requestFrom("192.0.2.1").Code)
	}))

	t.Run("LimitsAfterBurst", setup(func(t *testing.T) {
		_ = requestFrom("192.0.2.1")
		_ = requestFrom("192.0.2.1")

		recorder := requestFrom("192.0.2.1")
		require.Equal(t, http.StatusTooManyRequests, recorder.Code)
		require.Equal(t, "30", recorder.Header().Get("Retry-After"))
		require.JSONEq(t, `{"error": "`+ErrMessageRateLimited+`"}`, recorder.Body.String())
	}))

	t.Run("Replenishes", setup(func(t *testing.T) {
		_ = requestFrom("192.0.2.1")
		_ = requestFrom("192.0.2.1")
		require.Equal(t, http.StatusTooManyRequests, requestFrom("192.0.2.1").Code)

		now = now.Add(30 * time.Second)
		require.Equal(t, http.StatusOK, requestFrom("192.0.2.1").Code)
	}))

	t.Run("PerClient", setup(func(t *testing.T) {
		_ = requestFrom("192.0.2.1")
		_ = requestFrom("192.0.2.1")
		require.Equal(t, http.StatusTooManyRequests, requestFrom("192.0.2.1").Code)

		require.Equal(t, http.StatusOK, requestFrom("192.0.2.2").Code)
	}))

	t.Run("IgnoresForwardedForFromUntrustedPeer", setup(func(t *testing.T) {
		var numLimited int
		for i := 0; i < 100; i++ {
			recorder := requestForwardedFor("203.0.113.7", fmt.Sprintf("198.51.100.%d", i))
			if recorder.Code == http.StatusTooManyRequests {
				numLimited++
			}
		}

		require.Equal(t, 98, numLimited)
		require.Len(t, middleware.limiters, 1)
		require.Contains(t, middleware.limiters, "203.0.113.7")
	}))

	t.Run("HonorsForwardedForFromTrustedProxy", setup(func(t *testing.T) {
		_ = requestForwardedFor("10.0.0.5", "198.51.100.1")
		_ = requestForwardedFor("10.0.0.5", "198.51.100.1")
		require.Equal(t, http.StatusTooManyRequests, requestForwardedFor("10.0.0.5", "198.51.100.1").Code)

		// A different client behind the same proxy has its own bucket.
		require.Equal(t, http.StatusOK, requestForwardedFor("10.0.0.5", "198.51.100.2").Code)
	}))

	t.Run("TrustedProxyIgnoresSpoofedLeftmost", setup(func(t *testing.T) {
		// The client prepends made up hops; only the address the proxy saw
		// counts.
		_ = requestForwardedFor("10.0.0.5", "192.0.2.50, 198.51.100.1")
		_ = requestForwardedFor("10.0.0.5", "192.0.2.51, 198.51.100.1")

		recorder := requestForwardedFor("10.0.0.5", "192.0.2.52, 198.51.100.1")
		require.Equal(t, http.StatusTooManyRequests, recorder.Code)
	}))

	t.Run("CleansUpIdleClients", setup(func(t *testing.T) {
		_ = requestFrom("192.0.2.1")
		require.Len(t, middleware.limiters, 1)

		now = now.Add(rateLimitIdleTimeout + time.Second)
		_ = requestFrom("192.0.2.2")

		require.Len(t, middleware.limiters, 1)
		require.Contains(t, middleware.limiters, "192.0.2.2")
	}))

	t.Run("Defaults", setup(func(t *testing.T) {
		middleware := NewRateLimitMiddleware(0, 0, nil)
		require.Equal(t, 48, middleware.burst)
		require.Equal(t, 2, middleware.retryAfterSeconds())
	}))
}

func TestClientIP(t *testing.T) {
	ctx := context.Background()

	trustedProxies, err := ParseCIDRs([]string{"10.0.0.0/8", "192.0.2.10"})
	require.NoError(t, err)

	clientIPFor := func(peer, forwardedFor string) string {
		r := mustNewRequest(ctx, http.MethodGet, "/", nil, nil)
		r.RemoteAddr = peer
		if forwardedFor != "" {
			r.Header.Set("X-Forwarded-For", forwardedFor)
		}
		return clientIP(r, trustedProxies).String()
	}

	require.Equal(t, "203.0.113.7", clientIPFor("203.0.113.7:1234", ""))
	require.Equal(t, "203.0.113.7", clientIPFor("203.0.113.7:1234", "198.51.100.1"))
	require.Equal(t, "198.51.100.1", clientIPFor("10.1.2.3:1234", "198.51.100.1"))
	require.Equal(t, "198.51.100.1", clientIPFor("10.1.2.3:1234", "198.51.100.1, 10.0.0.9, 192.0.2.10"))
	require.Equal(t, "10.1.2.3", clientIPFor("10.1.2.3:1234", "not-an-ip"))
	require.Equal(t, "10.1.2.3", clientIPFor("10.1.2.3:1234", ""))
	require.Equal(t, "<nil>", clientIPFor("", "198.51.100.1"))
}

func TestParseCIDRs(t *testing.T) {
	nets, err := ParseCIDRs([]string{"10.0.0.0/8", " 192.0.2.10 ", "", "2001:db8::/32"})
	require.NoError(t, err)
	require.Len(t, nets, 3)

	require.True(t, nets[0].Contains(net.ParseIP("10.200.0.1")))
	require.True(t, nets[1].Contains(net.ParseIP("192.0.2.10")))
	require.False(t, nets[1].Contains(net.ParseIP("192.0.2.11")))
	require.True(t, nets[2].Contains(net.ParseIP("2001:db8::1")))

	_, err = ParseCIDRs([]string{"10.0.0.0/99"})
	require.Error(t, err)

	_, err = ParseCIDRs([]string{"proxy.internal"})
	require.Error(t, err)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	ctx := context.Background()

	router := mux.NewRouter()
	router.Use((&SecurityHeadersMiddleware{}).Wrapper)
	router.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, mustNewRequest(ctx, http.MethodGet, "/hello", nil, nil))

	require.Equal(t, "default-src 'none'; frame-ancestors 'none'", recorder.Header().Get("Content-Security-Policy"))
	require.Equal(t, "max-age=31536000; includeSubDomains", recorder.Header().Get("Strict-Transport-Security"))
	require.Equal(t, "nosniff", recorder.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", recorder.Header().Get("X-Frame-Options"))
}

func TestTimeoutMiddlewareWrapper(t *testing.T) {
	var (
		ctx         context.Context
		handler     http.Handler
		handlerFunc func(w http.ResponseWriter, r *http.Request)
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			ctx = context.Background()

			handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if handlerFunc != nil {
					handlerFunc(w, r)
				}
			})
			handler = NewTimeoutMiddleware(50 * time.Millisecond).Wrapper(handler)

			test(t)
		}
	}

	errorMessage := func(t *testing.T, recorder *httptest.ResponseRecorder) string {
		t.Helper()

		var body map[string]string
		mustJSONUnmarshal(t, recorder.Body.Bytes(), &body)
		return body["error"]
	}

	t.Run("PassesThroughInTime", setup(func(t *testing.T) {
		handlerFunc = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("hello"))
		}

		recorder := httptest.NewRecorder()
		req := mustNewRequest(ctx, http.MethodGet, "/", nil, nil)
		handler.ServeHTTP(recorder, req)

		require.Equal(t, http.StatusCreated, recorder.Result().StatusCode) //nolint:bodyclose
		require.Equal(t, "hello", recorder.Body.String())
	}))

	t.Run("SetsContainerStatus", setup(func(t *testing.T) {
		handlerFunc = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}

		ctxContainer := &ContextContainer{}
		containerCtx := context.WithValue(ctx, contextContainerContextKey{}, ctxContainer)

		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, mustNewRequest(containerCtx, http.MethodGet, "/", nil, nil))

		require.Equal(t, http.StatusAccepted, ctxContainer.StatusCode)
	}))

	t.Run("HandlesCanceled", setup(func(t *testing.T) {
		handlerFunc = func(_ http.ResponseWriter, r *http.Request) {
		}

		cancelCtx, cancel := context.WithCancel(context.Background())
		cancel()

		recorder := httptest.NewRecorder()
		req := mustNewRequest(cancelCtx, http.MethodGet, "/", nil, nil)
		handler.ServeHTTP(recorder, req)

		require.Equal(t, http.StatusGatewayTimeout, recorder.Result().StatusCode) //nolint:bodyclose
		require.Equal(t, contentTypeJSON, recorder.Header().Get("Content-Type"))
		require.Regexp(t,
			`\AThe request was canceled after 0\.\d+s \(maximum request time is 0\.050000s\).\z`,
			errorMessage(t, recorder))
	}))

	t.Run("HandlesTimeout", setup(func(t *testing.T) {
		handlerFunc = func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(5 * time.Second):
				require.Fail(t, "Timed out waiting for cancellation")
			case <-r.Context().Done():
				t.Logf("Context was cancelled: %s", r.Context().Err())
			}

			// Replaced by the timeout response.
			w.WriteHeader(http.StatusInternalServerError)
		}

		recorder := httptest.NewRecorder()
		req := mustNewRequest(ctx, http.MethodGet, "/", nil, nil)
		handler.ServeHTTP(recorder, req)

		require.Equal(t, http.StatusGatewayTimeout, recorder.Result().StatusCode) //nolint:bodyclose
		require.Regexp(t,
			`\AThe request timed out after 0\.\d+s \(maximum request time is 0\.050000s\).\z`,
			errorMessage(t, recorder))
	}))

	t.Run("KeepsSuccessAfterDeadline", setup(func(t *testing.T) {
		handlerFunc = func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()

			// A handler that finishes its work regardless of the deadline.
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": "abc"}`))
		}

		recorder := httptest.NewRecorder()
		req := mustNewRequest(ctx, http.MethodGet, "/", nil, nil)
		handler.ServeHTTP(recorder, req)

		require.Equal(t, http.StatusCreated, recorder.Result().StatusCode) //nolint:bodyclose
		require.Equal(t, `{"id": "abc"}`, recorder.Body.String())
	}))

	t.Run("ZeroTimeoutDisables", setup(func(t *testing.T) {
		var sawDeadline bool
		handler = NewTimeoutMiddleware(0).Wrapper(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, sawDeadline = r.Context().Deadline()
		}))

		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, mustNewRequest(ctx, http.MethodGet, "/", nil, nil))

		require.False(t, sawDeadline)
		require.Equal(t, http.StatusOK, recorder.Code)
	}))
}
