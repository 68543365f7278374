// Command tvmuxd ingests IPTV playlists into per-session channel
// catalogs with broadcast-guide data, keeps them fresh on schedules, and
// serves status plus Prometheus metrics over HTTP. Configure via env or
// .env: TVMUX_M3U_URL (comma-separated sources), TVMUX_EPG_URL,
// TVMUX_ID_SUFFIX, TVMUX_REMAPPER_PATH, TVMUX_UPDATE_INTERVAL (H:MM),
// TVMUX_DATA_DIR, TVMUX_LISTEN_ADDR.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tvmux/tvmux/internal/config"
	"github.com/tvmux/tvmux/internal/session"
)

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[tvmuxd] ")

	addr := flag.String("addr", "", "Listen address (default: TVMUX_LISTEN_ADDR)")
	dataDir := flag.String("data", "", "Data directory for per-session stores (default: TVMUX_DATA_DIR)")
	flag.Parse()

	cfg := config.Load()
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Printf("Create data dir %s: %v", cfg.DataDir, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := session.NewRegistry(*cfg, session.Options{})
	defer registry.Close()

	// Bring up the default session when sources are configured. Errors
	// here are not fatal: a persisted snapshot keeps serving and the
	// staleness poll retries.
	ucfg := config.LoadUser()
	if ucfg.M3UURL != "" {
		s, err := registry.Resolve(ctx, session.DefaultID, ucfg)
		if err != nil {
			log.Printf("Default session: %v", err)
			os.Exit(1)
		}
		go func() {
			if err := s.Cache.Rebuild(ctx, ucfg.M3UURL, config.UserConfig{}); err != nil {
				log.Printf("Initial rebuild: %v", err)
			}
			snap := s.Cache.CachedData()
			if ucfg.EPGEnabled && ucfg.EPGURL == "" && len(snap.EPGURLs) > 0 {
				// Fall back to the playlists' own url-tvg hints.
				s.EPG.InitializeEPG(ctx, snap.EPGURLs[0])
			}
			s.EPG.CheckMissingEPG(snap.Channels)
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		s, err := registry.Resolve(r.Context(), session.DefaultID, config.UserConfig{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		snap := s.Cache.CachedData()
		epgStatus := s.EPG.Status()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sessions":    registry.Len(),
			"channels":    len(snap.Channels),
			"genres":      snap.Genres,
			"lastUpdated": snap.LastUpdated,
			"epg": map[string]any{
				"updating": epgStatus.IsUpdating,
				"lastRun":  epgStatus.LastUpdate,
				"channels": epgStatus.ChannelsCount,
				"programs": epgStatus.ProgramsCount,
				"icons":    epgStatus.IconsCount,
				"timezone": epgStatus.Timezone,
				"storage":  epgStatus.StorageType,
			},
		})
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Printf("Listening on %s (data dir %s)", cfg.ListenAddr, cfg.DataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Print("Shutting down ...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
