package nickname

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/nickname/ml", Timeout: 200 * time.Millisecond, HTTPClient: srv.Client()})
}

func TestLookup_Fields(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"nickname":"Raja"}`, "Raja"},
		{`{"name":"Ratu"}`, "Ratu"},
		{`{"nickname":"","username":"Pangeran"}`, "Pangeran"},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("id") != "123" || r.URL.Query().Get("zone") != "45" {
				t.Errorf("query = %s", r.URL.RawQuery)
			}
			if !strings.HasPrefix(r.UserAgent(), "topupstore/") {
				t.Errorf("User-Agent = %q", r.UserAgent())
			}
			_, _ = w.Write([]byte(tt.body))
		})
		res, err := c.Lookup(context.Background(), "123", "45")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if !res.Available() || res.Nickname != tt.want {
			t.Fatalf("%s: result = %+v, want %q", tt.body, res, tt.want)
		}
	}
}

func TestLookup_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	res, _ := c.Lookup(context.Background(), "1", "2")
	if res.Status != StatusNotFound {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestLookup_Unavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"500": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}
	for name, h := range cases {
		res, err := newTestClient(t, h).Lookup(context.Background(), "1", "2")
		if err != nil {
			t.Fatalf("%s: err = %v, want nil", name, err)
		}
		if res.Status != StatusUnavailable || res.Available() {
			t.Fatalf("%s: result = %+v, want unavailable", name, res)
		}
	}
}

func TestLookup_MissingParams(t *testing.T) {
	c := New(Options{})
	if _, err := c.Lookup(context.Background(), "1", " "); !errors.Is(err, ErrMissingParams) {
		t.Fatalf("err = %v, want ErrMissingParams", err)
	}
}
