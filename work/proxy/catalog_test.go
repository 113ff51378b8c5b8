package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"tvwall-proxy/work/lists"

	"github.com/gorilla/mux"
)

func newTestCatalog(t *testing.T) (*Catalog, *lists.Store) {
	t.Helper()
	cfg := testConfig()
	cfg.ListCacheDuration = 30 * time.Second

	store := lists.NewStore(t.TempDir())
	return NewCatalog(cfg, store), store
}

func serveList(t *testing.T, c *Catalog, name string) *httptest.ResponseRecorder {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc("/lists/{name}", c.HandleList).Methods("GET")

	req := httptest.NewRequest(http.MethodGet, "/lists/"+name, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleList(t *testing.T) {
	t.Run("serves a published list case-insensitively", func(t *testing.T) {
		c, store := newTestCatalog(t)
		want := []string{"http://a/1.m3u8", "http://b/2.m3u8"}
		if err := store.Save(lists.ListAll, want); err != nil {
			t.Fatal(err)
		}

		rec := serveList(t, c, "all")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}

		var got []string
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("payload = %v, want %v", got, want)
		}
	})

	t.Run("unknown list answers 404", func(t *testing.T) {
		c, store := newTestCatalog(t)
		if err := store.Save(lists.ListAll, nil); err != nil {
			t.Fatal(err)
		}

		rec := serveList(t, c, "nope")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("curation lists are not exposed", func(t *testing.T) {
		c, store := newTestCatalog(t)
		if err := store.Save(lists.ListAll, nil); err != nil {
			t.Fatal(err)
		}
		if err := store.Save(lists.ListBlacklist, []string{"http://bad/x.m3u8"}); err != nil {
			t.Fatal(err)
		}

		rec := serveList(t, c, "blacklist")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("cached payload survives a disk change until expiry", func(t *testing.T) {
		c, store := newTestCatalog(t)
		if err := store.Save(lists.ListAll, []string{"http://a/1.m3u8"}); err != nil {
			t.Fatal(err)
		}

		first := serveList(t, c, "ALL")
		if first.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", first.Code)
		}

		if err := store.Save(lists.ListAll, []string{"http://b/2.m3u8"}); err != nil {
			t.Fatal(err)
		}

		second := serveList(t, c, "ALL")
		if second.Body.String() != first.Body.String() {
			t.Errorf("cached payload changed before expiry:\n%s\n->\n%s", first.Body.String(), second.Body.String())
		}
	})
}
