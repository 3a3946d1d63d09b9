package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_CreateRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/releases" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		var rel Release
		if err := json.NewDecoder(r.Body).Decode(&rel); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if rel.AppID != "42" || len(rel.Images) != 1 {
			t.Errorf("request release = %+v", rel)
		}
		fmt.Fprint(w, `{
			"id": "rel-1",
			"application": "42",
			"images": [{"id": "img-1", "service_name": "web", "image_location": "r.io/apps/42/web:rel1"}],
			"__metadata": {"shard": "eu-1"}
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	created, err := c.CreateRelease(context.Background(), &Release{
		AppID:  "42",
		Images: []*ServiceImage{{Service: "web"}},
	})
	if err != nil {
		t.Fatalf("CreateRelease: %v", err)
	}
	if created.ID != "rel-1" {
		t.Errorf("id = %q", created.ID)
	}
	if created.Images[0].Location != "r.io/apps/42/web:rel1" {
		t.Errorf("location = %q", created.Images[0].Location)
	}
}

func TestClient_UpdateImage(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s", r.Method)
		}
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.UpdateImage(context.Background(), &ServiceImage{ID: "img-1", Service: "web", Status: StatusSuccess})
	if err != nil {
		t.Fatalf("UpdateImage: %v", err)
	}
	if gotPath != "/v1/images/img-1" {
		t.Errorf("path = %q", gotPath)
	}

	// No identity means the record was never created; refuse locally.
	if err := c.UpdateImage(context.Background(), &ServiceImage{Service: "web"}); err == nil {
		t.Error("UpdateImage without ID: want error")
	}
}

func TestClient_LatestSuccessfulImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/v1/applications/42/releases/latest"
		if r.URL.Path != wantPath || r.URL.Query().Get("status") != "success" {
			t.Errorf("request = %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		fmt.Fprint(w, `{
			"id": "rel-0",
			"images": [
				{"service_name": "web", "image_location": "r.io/apps/42/web:rel0"},
				{"service_name": "cache"}
			]
		}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	locations, err := c.LatestSuccessfulImages(context.Background(), "42")
	if err != nil {
		t.Fatalf("LatestSuccessfulImages: %v", err)
	}
	if len(locations) != 1 || locations[0] != "r.io/apps/42/web:rel0" {
		t.Errorf("locations = %v, want only entries with a location", locations)
	}
}

func TestClient_GrantRegistryToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Repos []string `json:"repos"`
		}
		if json.Unmarshal(body, &req) != nil || len(req.Repos) != 2 {
			t.Errorf("request body = %s", body)
		}
		fmt.Fprint(w, `{"token": "tok123", "repos": ["apps/42/web", "apps/42/api"]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	token, err := c.GrantRegistryToken(context.Background(), []string{"apps/42/web", "apps/42/api"})
	if err != nil {
		t.Fatalf("GrantRegistryToken: %v", err)
	}
	if token.Token != "tok123" || len(token.Repos) != 2 {
		t.Errorf("token = %+v", token)
	}
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message": "token expired"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "stale")
	_, err := c.GrantRegistryToken(context.Background(), []string{"a"})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err = %v, want status surfaced", err)
	}
	if !strings.Contains(err.Error(), "token expired") {
		t.Errorf("err = %v, want response body included", err)
	}
}

func TestSource_NotARepo(t *testing.T) {
	if info := Source(t.TempDir()); info != nil {
		t.Errorf("Source on a non-repo dir = %+v, want nil", info)
	}
}
