package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"tvwall-proxy/work/config"
	"tvwall-proxy/work/lists"
	"tvwall-proxy/work/logger"
	"tvwall-proxy/work/metrics"

	"github.com/gorilla/mux"
	"github.com/maypok86/otter/v2"
)

// Catalog serves published channel lists as JSON over HTTP. List payloads
// are cached in memory for the configured duration so a burst of players
// refreshing their catalogs does not hammer the disk.
type Catalog struct {
	cfg   *config.Config
	store *lists.Store
	cache *otter.Cache[string, []byte]
}

// NewCatalog creates a Catalog backed by the given list store.
func NewCatalog(cfg *config.Config, store *lists.Store) *Catalog {
	return &Catalog{
		cfg:   cfg,
		store: store,
		cache: otter.Must(&otter.Options[string, []byte]{
			MaximumSize:      64,
			ExpiryCalculator: otter.ExpiryWriting[string, []byte](cfg.ListCacheDuration),
		}),
	}
}

// HandleList answers GET /lists/{name} with the JSON payload of the named
// catalog list. Names are case-insensitive and resolved against the
// published catalog only, so curation files are never exposed.
func (c *Catalog) HandleList(w http.ResponseWriter, r *http.Request) {
	name := strings.ToUpper(strings.TrimSpace(mux.Vars(r)["name"]))
	if name == "" {
		http.Error(w, "missing list name", http.StatusBadRequest)
		return
	}

	listName, ok := c.resolve(name)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown list %q", name), http.StatusNotFound)
		return
	}

	payload, err := c.payload(listName)
	if err != nil {
		logger.Error("{proxy - HandleList} Failed to load %s: %v", listName, err)
		http.Error(w, "failed to load list", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if c.cfg.ProxyCacheControl != "" {
		w.Header().Set("Cache-Control", c.cfg.ProxyCacheControl)
	}
	w.Write(payload)
}

// resolve maps a request name onto a published catalog list, checking the
// themed lists first and the per-country lists second.
func (c *Catalog) resolve(name string) (string, bool) {
	catalog, err := c.store.CatalogLists()
	if err != nil {
		return "", false
	}
	for _, listName := range catalog {
		base := listName[strings.LastIndex(listName, "/")+1:]
		if strings.EqualFold(base, name) {
			return listName, true
		}
	}
	return "", false
}

// payload returns the serialized list, preferring the in-memory copy.
func (c *Catalog) payload(listName string) ([]byte, error) {
	if cached, ok := c.cache.GetIfPresent(listName); ok {
		return cached, nil
	}

	urls, err := c.store.Load(listName)
	if err != nil {
		return nil, err
	}
	metrics.CatalogSize.WithLabelValues(listName).Set(float64(len(urls)))

	payload, err := lists.Marshal(urls)
	if err != nil {
		return nil, err
	}

	c.cache.Set(listName, payload)
	return payload, nil
}
