package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/auth"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(handlers...)
	router.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.POST("/ok", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.String(http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		c.String(http.StatusOK, "ok")
	})
	return router
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(newRouter(SecurityHeaders()), httptest.NewRequest(http.MethodGet, "/ok", nil))

	for header, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCORS(t *testing.T) {
	router := newRouter(CORS([]string{"http://localhost:5173"}))

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	if got := serve(router, req).Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allowed origin header = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("Origin", "http://evil.test")
	if got := serve(router, req).Header().Get("Access-Control-Allow-Origin"); got != "null" {
		t.Errorf("rejected origin header = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/ok", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	if w := serve(router, req); w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
}

func TestRequestSizeLimit(t *testing.T) {
	router := newRouter(RequestSizeLimit(8))

	w := serve(router, httptest.NewRequest(http.MethodPost, "/ok", strings.NewReader("0123456789")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("declared oversize status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/ok", strings.NewReader("0123456789"))
	req.ContentLength = -1
	if w := serve(router, req); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("undeclared oversize status = %d", w.Code)
	}

	if w := serve(router, httptest.NewRequest(http.MethodPost, "/ok", strings.NewReader("small"))); w.Code != http.StatusOK {
		t.Errorf("small body status = %d", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(zap.NewNop()))
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	if w := serve(router, httptest.NewRequest(http.MethodGet, "/panic", nil)); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	limiter := NewRateLimiter(1, 2, zap.NewNop())
	defer limiter.Shutdown()
	router := newRouter(limiter.RateLimit())

	for i := 0; i < 2; i++ {
		if w := serve(router, httptest.NewRequest(http.MethodGet, "/ok", nil)); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}

	w := serve(router, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	other := httptest.NewRequest(http.MethodGet, "/ok", nil)
	other.RemoteAddr = "10.1.1.1:4000"
	if w := serve(router, other); w.Code != http.StatusOK {
		t.Errorf("other client status = %d", w.Code)
	}

	if got := limiter.GetGlobalStats()["active_clients"]; got != 2 {
		t.Errorf("active_clients = %v", got)
	}
}

type stubSessions struct {
	session auth.Session
	err     error
}

func (s stubSessions) Session() (auth.Session, error) { return s.session, s.err }

func TestRequireRole(t *testing.T) {
	now := time.Date(2025, 10, 12, 13, 27, 0, 0, time.UTC)

	tests := []struct {
		name     string
		sessions stubSessions
		want     int
	}{
		{"no session", stubSessions{err: auth.ErrNoSession}, http.StatusUnauthorized},
		{"driver", stubSessions{session: auth.Session{AccessToken: "t", Role: models.RoleDriver}}, http.StatusOK},
		{"admin", stubSessions{session: auth.Session{AccessToken: "t", Role: models.RoleAdmin}}, http.StatusOK},
		{"unknown role", stubSessions{session: auth.Session{AccessToken: "t", Role: "invitado"}}, http.StatusForbidden},
		{"expired", stubSessions{session: auth.Session{
			AccessToken: "t", Role: models.RoleDriver, ExpiresAt: now.Add(-time.Minute),
		}}, http.StatusUnauthorized},
		{"lookup failure", stubSessions{err: errors.New("store unavailable")}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := NewAuthMiddleware(tt.sessions, zap.NewNop())
			guard.now = func() time.Time { return now }

			router := newRouter(guard.RequireRole(models.RoleDriver, models.RoleAdmin))
			if w := serve(router, httptest.NewRequest(http.MethodGet, "/ok", nil)); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHealthCheck(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck("drowsiness-monitor-agent"))

	w := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"healthy"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}
