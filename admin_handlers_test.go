package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"tvwall-proxy/work/config"
	"tvwall-proxy/work/database"
	"tvwall-proxy/work/lists"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

func newTestRouter(t *testing.T, cfg *config.Config) (*mux.Router, *lists.Store) {
	t.Helper()
	store := lists.NewStore(t.TempDir())

	router := mux.NewRouter()
	setupAdminRoutes(router, &adminDeps{cfg: cfg, store: store, db: nil})
	return router, store
}

func postJSON(t *testing.T, router *mux.Router, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSendToList(t *testing.T) {
	t.Run("moves an entry between lists", func(t *testing.T) {
		router, store := newTestRouter(t, &config.Config{DevMode: true})
		if err := store.Save(lists.ListAll, []string{"http://a/1.m3u8", "http://b/2.m3u8"}); err != nil {
			t.Fatal(err)
		}
		if err := store.Save(lists.ListSport, []string{"http://c/3.m3u8"}); err != nil {
			t.Fatal(err)
		}

		rec := postJSON(t, router, "/api/send-to-list",
			`{"url": "http://b/2.m3u8", "source": "all", "target": "sport"}`, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
		}

		sport, _ := store.Load(lists.ListSport)
		if want := []string{"http://b/2.m3u8", "http://c/3.m3u8"}; !reflect.DeepEqual(sport, want) {
			t.Errorf("SPORT = %v, want %v (moved entry goes first)", sport, want)
		}
		all, _ := store.Load(lists.ListAll)
		if want := []string{"http://a/1.m3u8"}; !reflect.DeepEqual(all, want) {
			t.Errorf("ALL = %v, want %v", all, want)
		}
	})

	t.Run("same source and target moves the entry to the front", func(t *testing.T) {
		router, store := newTestRouter(t, &config.Config{DevMode: true})
		if err := store.Save(lists.ListAll, []string{"http://a/1.m3u8", "http://b/2.m3u8"}); err != nil {
			t.Fatal(err)
		}

		rec := postJSON(t, router, "/api/send-to-list",
			`{"url": "http://b/2.m3u8", "source": "all", "target": "all"}`, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
		}

		all, _ := store.Load(lists.ListAll)
		if want := []string{"http://b/2.m3u8", "http://a/1.m3u8"}; !reflect.DeepEqual(all, want) {
			t.Errorf("ALL = %v, want %v (entry must survive a same-list move)", all, want)
		}
	})

	t.Run("rejects a body without url", func(t *testing.T) {
		router, store := newTestRouter(t, &config.Config{DevMode: true})
		if err := store.Save(lists.ListAll, nil); err != nil {
			t.Fatal(err)
		}

		rec := postJSON(t, router, "/api/send-to-list", `{"source": "all"}`, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown target answers 404", func(t *testing.T) {
		router, store := newTestRouter(t, &config.Config{DevMode: true})
		if err := store.Save(lists.ListAll, nil); err != nil {
			t.Fatal(err)
		}

		rec := postJSON(t, router, "/api/send-to-list",
			`{"url": "http://a/1.m3u8", "target": "nope"}`, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestRequireAdmin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{AdminPasswordHash: string(hash)}

	body := `{"url": "http://a/1.m3u8", "target": "all"}`

	t.Run("valid token is accepted", func(t *testing.T) {
		router, store := newTestRouter(t, cfg)
		if err := store.Save(lists.ListAll, nil); err != nil {
			t.Fatal(err)
		}

		rec := postJSON(t, router, "/api/send-to-list", body, "hunter2")
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("wrong token is rejected", func(t *testing.T) {
		router, _ := newTestRouter(t, cfg)
		rec := postJSON(t, router, "/api/send-to-list", body, "wrong")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		router, _ := newTestRouter(t, cfg)
		rec := postJSON(t, router, "/api/send-to-list", body, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("curation is off without a configured hash", func(t *testing.T) {
		router, _ := newTestRouter(t, &config.Config{})
		rec := postJSON(t, router, "/api/send-to-list", body, "anything")
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
}

func TestGetStats(t *testing.T) {
	router, store := newTestRouter(t, &config.Config{DevMode: true})
	if err := store.Save(lists.ListAll, []string{"http://a/1.m3u8", "http://b/2.m3u8"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(lists.ListNews, []string{"http://a/1.m3u8"}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stats struct {
		Lists map[string]int `json:"lists"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Lists[lists.ListAll] != 2 || stats.Lists[lists.ListNews] != 1 {
		t.Errorf("lists = %v", stats.Lists)
	}
}

func TestRecentProbesWithoutDatabase(t *testing.T) {
	router, _ := newTestRouter(t, &config.Config{DevMode: true})

	req := httptest.NewRequest(http.MethodGet, "/api/probes/recent", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestProbeHistory(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "probes.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.RecordProbes([]database.ProbeRow{
		{URL: "http://a/1.m3u8", Playable: true, Reason: "media playlist, 3 segment(s)", ElapsedMs: 90},
		{URL: "http://b/2.m3u8", Playable: false, Reason: "timeout", ElapsedMs: 5000},
	}); err != nil {
		t.Fatal(err)
	}

	router := mux.NewRouter()
	setupAdminRoutes(router, &adminDeps{cfg: &config.Config{DevMode: true}, store: lists.NewStore(t.TempDir()), db: db})

	t.Run("returns only the requested URL", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/probes/history?url="+url.QueryEscape("http://a/1.m3u8"), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
		}
		var rows []database.ProbeRow
		if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(rows) != 1 || rows[0].URL != "http://a/1.m3u8" {
			t.Errorf("rows = %+v, want one row for http://a/1.m3u8", rows)
		}
	})

	t.Run("missing url answers 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/probes/history", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}
