package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/pliu/livechat/internal/auth"
	"github.com/pliu/livechat/internal/models"
)

func TestRoomAuth(t *testing.T) {
	issuer := auth.NewIssuer("devkey", "devsecret", "")
	lobby, _ := issuer.Issue(models.JoinRequest{RoomName: "lobby", Username: "alice"})
	other, _ := issuer.Issue(models.JoinRequest{RoomName: "other", Username: "alice"})

	// Mock next handler
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Error("Expected claims in context")
			return
		}
		if claims.Identity() != "alice" {
			t.Errorf("Expected identity alice, got %v", claims.Identity())
		}
		w.WriteHeader(http.StatusOK)
	})

	r := mux.NewRouter()
	r.Handle("/rooms/{room}/participants", RoomAuth(issuer)(nextHandler))

	tests := []struct {
		name           string
		authorization  string
		expectedStatus int
	}{
		{
			name:           "Valid Token",
			authorization:  "Bearer " + lobby.Token,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Token For Another Room",
			authorization:  "Bearer " + other.Token,
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "Invalid Token",
			authorization:  "Bearer not.a.token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Missing Header",
			authorization:  "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong Scheme",
			authorization:  "Basic " + lobby.Token,
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/rooms/lobby/participants", nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			rr := httptest.NewRecorder()

			r.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v",
					rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	// Mock next handler that returns 404
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()

	LoggingMiddleware(nextHandler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("handler returned wrong status code: got %v want %v",
			rr.Code, http.StatusNotFound)
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected a request id header")
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rr = httptest.NewRecorder()
	LoggingMiddleware(nextHandler).ServeHTTP(rr, req)
	if got := rr.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("Expected incoming request id to be kept, got %q", got)
	}
}

// MockHijacker implements http.Hijacker for testing
type MockHijacker struct {
	httptest.ResponseRecorder
	hijacked bool
}

func (m *MockHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	m.hijacked = true
	return nil, nil, nil
}

func TestLoggingMiddleware_Hijack(t *testing.T) {
	// Mock next handler that tries to hijack
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Error("ResponseWriter does not implement http.Hijacker")
			return
		}
		_, _, err := hijacker.Hijack()
		if err != nil {
			t.Errorf("Hijack failed: %v", err)
		}
	})

	req := httptest.NewRequest("GET", "/rtc", nil)
	mockWriter := &MockHijacker{ResponseRecorder: *httptest.NewRecorder()}

	LoggingMiddleware(nextHandler).ServeHTTP(mockWriter, req)

	if !mockWriter.hijacked {
		t.Error("Expected the underlying writer to be hijacked")
	}
}

func TestCORS(t *testing.T) {
	called := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest("OPTIONS", "/token", nil)
	rr := httptest.NewRecorder()
	CORS(nextHandler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for preflight, got %v", rr.Code)
	}
	if called {
		t.Error("Preflight should not reach the handler")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected any origin to be allowed")
	}

	req = httptest.NewRequest("POST", "/token", nil)
	rr = httptest.NewRecorder()
	CORS(nextHandler).ServeHTTP(rr, req)
	if !called {
		t.Error("Expected POST to reach the handler")
	}
}

func TestRateLimit(t *testing.T) {
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	limited := RateLimit(0.001, 2)(nextHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/token", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rr := httptest.NewRecorder()
		limited.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected [200 200 429], got %v", codes)
	}

	// another client has its own budget
	req := httptest.NewRequest("POST", "/token", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	rr := httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 for a different client, got %v", rr.Code)
	}

	// disabled limiter passes everything through
	unlimited := RateLimit(0, 0)(nextHandler)
	for i := 0; i < 10; i++ {
		rr := httptest.NewRecorder()
		unlimited.ServeHTTP(rr, httptest.NewRequest("POST", "/token", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected 200 with limiting disabled, got %v", rr.Code)
		}
	}
}

func TestRateLimitForgetsIdleClients(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	limiters := newClientLimiters(1, 1, time.Minute, clock)

	limiters.get("10.0.0.1")
	limiters.get("10.0.0.2")
	if limiters.size() != 2 {
		t.Fatalf("Expected 2 tracked clients, got %d", limiters.size())
	}

	now = now.Add(30 * time.Second)
	limiters.get("10.0.0.2")

	now = now.Add(45 * time.Second)
	limiters.get("10.0.0.3")
	// .1 was idle past the window, .2 was seen 45s ago
	if limiters.size() != 2 {
		t.Errorf("Expected idle client to be dropped, tracking %d", limiters.size())
	}
	if _, ok := limiters.visitors["10.0.0.1"]; ok {
		t.Error("Expected 10.0.0.1 to be forgotten")
	}
}
