package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tvwall-proxy/work/checker"
	"tvwall-proxy/work/client"
	"tvwall-proxy/work/config"
	"tvwall-proxy/work/database"
	"tvwall-proxy/work/harvest"
	"tvwall-proxy/work/lists"
	"tvwall-proxy/work/logger"
	"tvwall-proxy/work/middleware"
	"tvwall-proxy/work/pipeline"
	"tvwall-proxy/work/proxy"
	"tvwall-proxy/work/rewriter"
)

var (
	Version = "v0.1.0" // default version
)

// Exit codes for the one-shot pipeline commands, so cron jobs and CI can
// distinguish "catalog changed" from "nothing to do" from "broken".
const (
	exitUpdated   = 0
	exitFailed    = 1
	exitNoChanges = 3
)

// our main app worker
func main() {

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// example-config writes a starter file and needs no running config
	if command == "example-config" {
		path := config.DefaultConfigPath
		if len(os.Args) > 2 {
			path = os.Args[2]
		}
		if err := config.CreateExampleConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write example config: %v\n", err)
			os.Exit(exitFailed)
		}
		fmt.Printf("wrote example config to %s\n", path)
		return
	}

	// load our config
	cfg := config.LoadConfig()

	// set up logging
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}

	// initialize HTTP client
	httpClient := client.New(cfg)

	// initialize the probe worker pool
	workerPool, err := ants.NewPool(cfg.CheckerWorkers, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{main} Failed to create worker pool: %v", err)
		os.Exit(exitFailed)
	}
	defer workerPool.Release()

	// list storage and probe history
	store := lists.NewStore(cfg.DataDir)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("{main} Failed to open probe history database: %v", err)
		os.Exit(exitFailed)
	}
	defer db.Close()

	// pipeline stages
	harvester := harvest.New(cfg, httpClient)
	checkerInstance := checker.New(cfg, httpClient, workerPool)
	pipelineInstance := pipeline.New(cfg, store, harvester, checkerInstance, db)

	ctx := context.Background()

	switch command {
	case "serve":
		serve(cfg, httpClient, store, db)
	case "pipeline":
		exitWith(pipelineInstance.Full(ctx))
	case "recheck":
		exitWith(pipelineInstance.Recheck(ctx))
	case "protect-sync":
		exitWith(pipelineInstance.ProtectSync())
	case "harvest":
		exitWith(pipelineInstance.Harvest(ctx))
	case "check":
		exitWith(pipelineInstance.Check(ctx))
	case "merge":
		exitWith(pipelineInstance.Merge())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		fmt.Fprintln(os.Stderr, "usage: tvwall-proxy [serve|pipeline|recheck|protect-sync|harvest|check|merge|example-config]")
		os.Exit(exitFailed)
	}
}

// exitWith maps a stage status onto the process exit code.
func exitWith(status pipeline.Status) {
	switch status {
	case pipeline.StatusUpdated:
		os.Exit(exitUpdated)
	case pipeline.StatusNoChanges:
		os.Exit(exitNoChanges)
	default:
		os.Exit(exitFailed)
	}
}

// serve runs the HTTP frontend: the HLS relay, the published catalog,
// metrics, and the curation API.
func serve(cfg *config.Config, httpClient *client.HeaderSettingClient, store *lists.Store, db *database.DB) {

	// rewritten manifests point every URI back at these routes
	rewriterInstance := rewriter.New(cfg.BaseURL+"/proxy/manifest", cfg.BaseURL+"/proxy/segment")
	proxyInstance := proxy.New(cfg, httpClient, rewriterInstance)
	catalog := proxy.NewCatalog(cfg, store)

	// setup HTTP routes
	router := mux.NewRouter()

	// HLS relay routes
	router.HandleFunc("/proxy/manifest", proxyInstance.HandleManifest).Methods("GET")
	router.HandleFunc("/proxy/segment", proxyInstance.HandleSegment).Methods("GET")

	// published catalog lists
	router.HandleFunc("/lists/{name}", middleware.GzipMiddleware(catalog.HandleList)).Methods("GET")

	// metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the curation routes
	setupAdminRoutes(router, &adminDeps{cfg: cfg, store: store, db: db})

	// show info
	logger.Info("Starting TVWall Proxy %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Listen Address: %s", cfg.ListenAddr)
	logger.Info("  - Data Directory: %s", cfg.DataDir)
	logger.Info("  - Checker Workers: %d", cfg.CheckerWorkers)
	logger.Info("  - Harvest Sources: %d", len(cfg.HarvestSources))
	logger.Info("  - Proxy Timeout: %s", cfg.ProxyTimeout)
	logger.Info("  - Probe Timeout: %s", cfg.ProbeTimeout)
	logger.Info("  - Dev Mode: %v", cfg.DevMode)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	if err := http.ListenAndServe(cfg.ListenAddr, router); err != nil {
		logger.Error("{main - serve} Server terminated: %v", err)
		os.Exit(exitFailed)
	}
}
