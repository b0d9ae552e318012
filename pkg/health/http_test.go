package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPChecker_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())

	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, server.URL, result.Target)
	assert.Positive(t, result.Duration)
}

func TestHTTPChecker_DefaultURL(t *testing.T) {
	assert.Equal(t, DefaultConnectivityURL, NewHTTPChecker("").URL)
}

func TestHTTPChecker_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "expected 200-399")
}

func TestHTTPChecker_CaptivePortalRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://portal.example/login", http.StatusFound)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithStatusRange(204, 204).Check(context.Background())

	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "302")
}

func TestHTTPChecker_CustomHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe") != "sentinel" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithHeader("X-Probe", "sentinel").Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
}

func TestHTTPChecker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestHTTPChecker_Type(t *testing.T) {
	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker("").Type())
}
