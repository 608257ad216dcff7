package authmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func serve(h http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cycles", http.NoBody)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerToken_ValidToken(t *testing.T) {
	t.Parallel()

	h := BearerToken("roadwatch", "s3cr3t-trigger")(okHandler)

	rec := serve(h, "Bearer s3cr3t-trigger")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestBearerToken_Rejected(t *testing.T) {
	t.Parallel()

	h := BearerToken("roadwatch", "s3cr3t-trigger")(okHandler)

	tests := []struct {
		name          string
		authorization string
		wantChallenge string
	}{
		{"missing header", "", `Bearer realm="roadwatch"`},
		{"basic auth", "Basic dXNlcjpwYXNz", `Bearer realm="roadwatch"`},
		{"lowercase bearer", "bearer s3cr3t-trigger", `Bearer realm="roadwatch"`},
		{"no prefix", "s3cr3t-trigger", `Bearer realm="roadwatch"`},
		{"wrong token", "Bearer wrong", `Bearer realm="roadwatch", error="invalid_token"`},
		{"prefix of token", "Bearer s3cr3t", `Bearer realm="roadwatch", error="invalid_token"`},
		{"token with suffix", "Bearer s3cr3t-trigger-extra", `Bearer realm="roadwatch", error="invalid_token"`},
		{"empty token", "Bearer ", `Bearer realm="roadwatch", error="invalid_token"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := serve(h, tt.authorization)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			if got := rec.Header().Get("WWW-Authenticate"); got != tt.wantChallenge {
				t.Errorf("WWW-Authenticate = %q, want %q", got, tt.wantChallenge)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("body = %q, want JSON error", rec.Body.String())
			}
		})
	}
}

func TestBearerToken_EmptyConfiguredTokenRejectsAll(t *testing.T) {
	t.Parallel()

	h := BearerToken("roadwatch", "")(okHandler)

	for _, auth := range []string{"", "Bearer ", "Bearer anything"} {
		if rec := serve(h, auth); rec.Code != http.StatusUnauthorized {
			t.Errorf("Authorization %q: status = %d, want %d", auth, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestBearerToken_PassesRequestThrough(t *testing.T) {
	t.Parallel()

	var called bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	})

	rec := serve(BearerToken("roadwatch", "tok")(inner), "Bearer tok")

	if !called {
		t.Error("inner handler was not called")
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}
