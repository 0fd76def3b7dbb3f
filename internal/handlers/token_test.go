package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pliu/livechat/internal/auth"
	"github.com/pliu/livechat/internal/models"
)

func TestIssueToken(t *testing.T) {
	issuer := auth.NewIssuer("devkey", "devsecret", "ws://localhost:7880")
	handler := &TokenHandler{Issuer: issuer}

	body, _ := json.Marshal(models.JoinRequest{RoomName: "lobby", Username: "alice"})
	req, _ := http.NewRequest("POST", "/token", bytes.NewBuffer(body))
	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.Issue).ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	var resp models.TokenResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.URL != "ws://localhost:7880" {
		t.Errorf("Expected url 'ws://localhost:7880', got '%s'", resp.URL)
	}
	claims, err := issuer.Verify(resp.Token)
	if err != nil {
		t.Fatalf("Issued token does not verify: %v", err)
	}
	if claims.Identity() != "alice" || claims.Video.Room != "lobby" {
		t.Errorf("Unexpected claims: identity=%s room=%s", claims.Identity(), claims.Video.Room)
	}
}

func TestIssueTokenFormEncoded(t *testing.T) {
	handler := &TokenHandler{Issuer: auth.NewIssuer("devkey", "devsecret", "ws://localhost:7880")}

	req, _ := http.NewRequest("POST", "/token", strings.NewReader("roomName=lobby&username=bob"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	http.HandlerFunc(handler.Issue).ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
}

func TestIssueTokenErrors(t *testing.T) {
	tests := []struct {
		name           string
		issuer         *auth.Issuer
		method         string
		body           string
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Wrong Method",
			issuer:         auth.NewIssuer("devkey", "devsecret", ""),
			method:         "GET",
			expectedStatus: http.StatusMethodNotAllowed,
			expectedError:  "Method not allowed",
		},
		{
			name:           "Missing Username",
			issuer:         auth.NewIssuer("devkey", "devsecret", ""),
			method:         "POST",
			body:           `{"roomName":"lobby","username":"  "}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Missing room name or username",
		},
		{
			name:           "Empty Body",
			issuer:         auth.NewIssuer("devkey", "devsecret", ""),
			method:         "POST",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Missing room name or username",
		},
		{
			name:           "Credentials Not Configured",
			issuer:         auth.NewIssuer("", "", ""),
			method:         "POST",
			body:           `{"roomName":"lobby","username":"alice"}`,
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "LiveKit credentials not configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &TokenHandler{Issuer: tt.issuer}
			req, _ := http.NewRequest(tt.method, "/token", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			http.HandlerFunc(handler.Issue).ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			var resp models.ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Error != tt.expectedError {
				t.Errorf("Expected error %q, got %q", tt.expectedError, resp.Error)
			}
		})
	}
}
