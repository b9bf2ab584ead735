package places

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSearchBuildsQueryAndDecodes(t *testing.T) {
	var gotQuery, gotLimit, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotLimit = r.URL.Query().Get("limit")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"display_name":"Blue Bottle Coffee, 1 Main St","name":"Blue Bottle Coffee","category":"amenity","lat":"37.77","lon":"-122.42"},
			{"display_name":"2 Side St","name":"","category":"amenity","lat":"37.78","lon":"-122.43"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	got, err := c.Search(context.Background(), "coffee", "1 Main St", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if gotQuery != "coffee near 1 Main St" {
		t.Fatalf("q = %q", gotQuery)
	}
	if gotLimit != "2" {
		t.Fatalf("limit = %q", gotLimit)
	}
	if gotUA == "" {
		t.Fatal("User-Agent not set")
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].Name != "Blue Bottle Coffee" || got[0].Lat != 37.77 {
		t.Fatalf("first = %+v", got[0])
	}
	// Nameless hits fall back to the display name.
	if got[1].Name != "2 Side St" {
		t.Fatalf("second = %+v", got[1])
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	c := NewClient("", "", nil)
	if _, err := c.Search(context.Background(), "  ", "", 3); err == nil {
		t.Fatal("expected error for blank query")
	}
}

func TestSearchSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	_, err := c.Search(context.Background(), "coffee", "", 1)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v", err)
	}
}
