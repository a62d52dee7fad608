package homeassistant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPingSendsBearer(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/" {
			t.Errorf("path = %q, want /api/", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"message":"API running."}`))
	}))
	defer server.Close()

	client := New()
	if err := client.Ping(context.Background(), server.URL, "secret-token"); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want Bearer secret-token", gotAuth)
	}
}

func TestPingRequiresHostAndToken(t *testing.T) {
	client := New()
	if err := client.Ping(context.Background(), "", "tok"); err == nil {
		t.Error("Ping() with empty host succeeded")
	}
	if err := client.Ping(context.Background(), "http://ha.local:8123", ""); err == nil {
		t.Error("Ping() with empty token succeeded")
	}
}

func TestStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := New()
	_, err := client.Get(context.Background(), server.URL, "bad-token", "/api/states")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", statusErr.StatusCode)
	}
}

func TestUnreachableHostIsErrUnavailable(t *testing.T) {
	client := New(WithTimeout(200 * time.Millisecond))

	// A closed server: connection refused.
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := client.Get(context.Background(), url, "tok", "/api/states")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestPostMarshalsBody(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody = make([]byte, r.ContentLength)
		_, _ = r.Body.Read(gotBody)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := New()
	_, err := client.Post(context.Background(), server.URL, "tok", "/api/services/light/turn_on",
		map[string]string{"entity_id": "light.kitchen"})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if string(gotBody) != `{"entity_id":"light.kitchen"}` {
		t.Errorf("body = %s", gotBody)
	}
}
