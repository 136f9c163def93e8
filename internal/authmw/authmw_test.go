package authmw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

const operatorToken = "wd-operator-7f3a"

// taskRouter mounts the middleware in front of stand-ins for the task API
// routes and records which route served the request.
func taskRouter(token string, served *string) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Use(BearerToken(token))
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			*served = "list"
			w.WriteHeader(http.StatusOK)
		})
		r.Get("/{email_id}", func(w http.ResponseWriter, req *http.Request) {
			*served = "get " + chi.URLParam(req, "email_id")
			w.WriteHeader(http.StatusOK)
		})
		r.Post("/{email_id}/resolve", func(w http.ResponseWriter, req *http.Request) {
			*served = "resolve " + chi.URLParam(req, "email_id")
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r
}

func TestBearerToken_TaskRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		method     string
		path       string
		auth       string
		wantStatus int
		wantServed string
		wantError  string
	}{
		{"list with token", http.MethodGet, "/api/v1/tasks/", "Bearer " + operatorToken, http.StatusOK, "list", ""},
		{"get with token", http.MethodGet, "/api/v1/tasks/1042", "Bearer " + operatorToken, http.StatusOK, "get 1042", ""},
		{"resolve with token", http.MethodPost, "/api/v1/tasks/1042/resolve", "Bearer " + operatorToken, http.StatusNoContent, "resolve 1042", ""},
		{"list without header", http.MethodGet, "/api/v1/tasks/", "", http.StatusUnauthorized, "", "missing or malformed authorization header"},
		{"resolve with basic auth", http.MethodPost, "/api/v1/tasks/1042/resolve", "Basic b3BlcmF0b3I6cHc=", http.StatusUnauthorized, "", "missing or malformed authorization header"},
		{"lowercase scheme", http.MethodGet, "/api/v1/tasks/1042", "bearer " + operatorToken, http.StatusUnauthorized, "", "missing or malformed authorization header"},
		{"bare token", http.MethodGet, "/api/v1/tasks/1042", operatorToken, http.StatusUnauthorized, "", "missing or malformed authorization header"},
		{"revoked token", http.MethodGet, "/api/v1/tasks/", "Bearer wd-operator-old", http.StatusUnauthorized, "", "invalid token"},
		{"token prefix", http.MethodPost, "/api/v1/tasks/1042/resolve", "Bearer wd-operator", http.StatusUnauthorized, "", "invalid token"},
		{"token with suffix", http.MethodGet, "/api/v1/tasks/", "Bearer " + operatorToken + "x", http.StatusUnauthorized, "", "invalid token"},
		{"empty bearer", http.MethodGet, "/api/v1/tasks/", "Bearer ", http.StatusUnauthorized, "", "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var served string
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			taskRouter(operatorToken, &served).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if served != tt.wantServed {
				t.Errorf("served = %q, want %q", served, tt.wantServed)
			}
			if tt.wantError == "" {
				return
			}
			if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="mailwarden"` {
				t.Errorf("WWW-Authenticate = %q", got)
			}
			var body struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body %q: %v", rec.Body.String(), err)
			}
			if body.Error != tt.wantError {
				t.Errorf("error = %q, want %q", body.Error, tt.wantError)
			}
		})
	}
}

func TestBearerToken_NoTokenLeavesTasksOpen(t *testing.T) {
	t.Parallel()

	var served string
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/77/resolve", http.NoBody)
	rec := httptest.NewRecorder()
	taskRouter("", &served).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent || served != "resolve 77" {
		t.Errorf("status = %d served = %q, want 204 from resolve 77", rec.Code, served)
	}
}
