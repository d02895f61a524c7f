package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_SucceedsOnFirstNon429(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(srv.Client(), Config{BaseDelay: time.Millisecond, MaxRetries: 3}, nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if hits != 1 {
		t.Fatalf("expected exactly one attempt, got %d", hits)
	}
}

func TestDo_RetriesOn429ThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.Client(), Config{BaseDelay: time.Millisecond, MaxRetries: 3}, nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected eventual 200, got %d", resp.Status)
	}
	if hits != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
}

func TestDo_StopsAtMaxRetriesPlusOne(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.Client(), Config{BaseDelay: time.Millisecond, MaxRetries: 2}, nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusTooManyRequests {
		t.Fatalf("expected final 429 returned as-is, got %d", resp.Status)
	}
	if hits != 3 {
		t.Fatalf("expected MaxRetries+1=3 total attempts, got %d", hits)
	}
}

func TestDo_NonRetryableStatusReturnsImmediately(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.Client(), Config{BaseDelay: time.Millisecond, MaxRetries: 3}, nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 passed through, got %d", resp.Status)
	}
	if hits != 1 {
		t.Fatalf("5xx must not be retried, got %d attempts", hits)
	}
}

func TestDo_NetworkErrorPropagatesImmediately(t *testing.T) {
	c := New(http.DefaultClient, Config{BaseDelay: time.Millisecond, MaxRetries: 3}, nil)
	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)

	_, err := c.Do(context.Background(), req)
	if err == nil {
		t.Fatalf("expected network error")
	}
}
