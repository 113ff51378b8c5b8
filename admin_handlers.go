package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tvwall-proxy/work/config"
	"tvwall-proxy/work/database"
	"tvwall-proxy/work/lists"
	"tvwall-proxy/work/logger"
	"tvwall-proxy/work/middleware"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

// adminDeps carries what the curation endpoints need.
type adminDeps struct {
	cfg   *config.Config
	store *lists.Store
	db    *database.DB
}

var startTime = time.Now()

// setupAdminRoutes registers the curation API. Write endpoints are open
// in dev mode and token-protected otherwise; read endpoints are public.
func setupAdminRoutes(router *mux.Router, deps *adminDeps) {
	router.HandleFunc("/api/send-to-list", corsMiddleware(requireAdmin(deps.cfg, handleSendToList(deps)))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/stats", corsMiddleware(middleware.GzipMiddleware(handleGetStats(deps)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/probes/recent", corsMiddleware(middleware.GzipMiddleware(handleRecentProbes(deps)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/probes/history", corsMiddleware(middleware.GzipMiddleware(handleProbeHistory(deps)))).Methods("GET", "OPTIONS")
}

// corsMiddleware adds CORS headers and short-circuits preflight requests
// so browser-based curation tools can call the API cross-origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// requireAdmin gates mutating endpoints. Dev mode skips the check
// entirely; otherwise the bearer token must match the configured
// password hash.
func requireAdmin(cfg *config.Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.DevMode {
			next(w, r)
			return
		}

		if cfg.AdminPasswordHash == "" {
			http.Error(w, "curation is disabled", http.StatusForbidden)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || bcrypt.CompareHashAndPassword([]byte(cfg.AdminPasswordHash), []byte(token)) != nil {
			logger.Warn("{admin - requireAdmin} Rejected curation request from %s", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// sendToListRequest is the body of POST /api/send-to-list.
type sendToListRequest struct {
	URL    string `json:"url"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// handleSendToList moves one URL between catalog lists: it is inserted at
// the front of the target and removed from the source. Either side may be
// omitted to only add or only remove.
func handleSendToList(deps *adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendToListRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		req.URL = strings.TrimSpace(req.URL)
		if req.URL == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}
		if req.Source == "" && req.Target == "" {
			http.Error(w, "source or target is required", http.StatusBadRequest)
			return
		}

		var target string
		if req.Target != "" {
			var ok bool
			target, ok = resolveListName(deps.store, req.Target)
			if !ok {
				http.Error(w, "unknown target list", http.StatusNotFound)
				return
			}
			urls, err := deps.store.Load(target)
			if err != nil {
				logger.Error("{admin - handleSendToList} Load %s: %v", target, err)
				http.Error(w, "failed to load target list", http.StatusInternalServerError)
				return
			}
			// newest curated entry goes first; Save drops the duplicate
			// further down if the URL was already in the list
			if err := deps.store.Save(target, append([]string{req.URL}, urls...)); err != nil {
				logger.Error("{admin - handleSendToList} Save %s: %v", target, err)
				http.Error(w, "failed to save target list", http.StatusInternalServerError)
				return
			}
		}

		if req.Source != "" {
			source, ok := resolveListName(deps.store, req.Source)
			if !ok {
				http.Error(w, "unknown source list", http.StatusNotFound)
				return
			}
			// a same-list move already happened in the target pass;
			// removing here would delete the entry outright
			if source == target {
				writeSendToListOK(w, req)
				return
			}
			urls, err := deps.store.Load(source)
			if err != nil {
				logger.Error("{admin - handleSendToList} Load %s: %v", source, err)
				http.Error(w, "failed to load source list", http.StatusInternalServerError)
				return
			}
			kept := urls[:0]
			for _, u := range urls {
				if u != req.URL {
					kept = append(kept, u)
				}
			}
			if err := deps.store.Save(source, kept); err != nil {
				logger.Error("{admin - handleSendToList} Save %s: %v", source, err)
				http.Error(w, "failed to save source list", http.StatusInternalServerError)
				return
			}
		}

		writeSendToListOK(w, req)
	}
}

func writeSendToListOK(w http.ResponseWriter, req sendToListRequest) {
	logger.Info("{admin - handleSendToList} Moved entry from %q to %q", req.Source, req.Target)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetStats reports per-list sizes plus probe history statistics.
func handleGetStats(deps *adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := make(map[string]interface{})
		stats["uptime_seconds"] = int64(time.Since(startTime).Seconds())

		catalog, err := deps.store.CatalogLists()
		if err != nil {
			logger.Error("{admin - handleGetStats} Cannot enumerate catalog: %v", err)
			http.Error(w, "failed to read catalog", http.StatusInternalServerError)
			return
		}

		sizes := make(map[string]int, len(catalog))
		for _, name := range catalog {
			urls, err := deps.store.Load(name)
			if err != nil {
				logger.Error("{admin - handleGetStats} Load %s: %v", name, err)
				http.Error(w, "failed to read catalog", http.StatusInternalServerError)
				return
			}
			sizes[name] = len(urls)
		}
		stats["lists"] = sizes

		if deps.db != nil {
			dbStats, err := deps.db.GetStats()
			if err != nil {
				logger.Warn("{admin - handleGetStats} Database stats unavailable: %v", err)
			} else {
				stats["database"] = dbStats
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

// handleRecentProbes returns the latest probe outcomes, newest first. The
// limit query parameter caps the row count.
func handleRecentProbes(deps *adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.db == nil {
			http.Error(w, "probe history is disabled", http.StatusNotFound)
			return
		}

		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 || parsed > 1000 {
				http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		rows, err := deps.db.RecentProbes(limit)
		if err != nil {
			logger.Error("{admin - handleRecentProbes} Query failed: %v", err)
			http.Error(w, "failed to query probe history", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []database.ProbeRow{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}
}

// handleProbeHistory returns every recorded probe for one URL, newest
// first, so operators can see how a stream behaved over time.
func handleProbeHistory(deps *adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.db == nil {
			http.Error(w, "probe history is disabled", http.StatusNotFound)
			return
		}

		streamURL := strings.TrimSpace(r.URL.Query().Get("url"))
		if streamURL == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}

		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 || parsed > 1000 {
				http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		rows, err := deps.db.ProbeHistory(streamURL, limit)
		if err != nil {
			logger.Error("{admin - handleProbeHistory} Query failed: %v", err)
			http.Error(w, "failed to query probe history", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []database.ProbeRow{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}
}

// resolveListName maps a client-supplied name like "all" or "sport" onto
// a catalog list path, case-insensitively.
func resolveListName(store *lists.Store, name string) (string, bool) {
	catalog, err := store.CatalogLists()
	if err != nil {
		return "", false
	}
	needle := strings.TrimSpace(name)
	for _, listName := range catalog {
		base := listName[strings.LastIndex(listName, "/")+1:]
		if strings.EqualFold(base, needle) || strings.EqualFold(listName, needle) {
			return listName, true
		}
	}
	return "", false
}
