package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/allocrun/internal/metrics"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Start a standalone monitoring HTTP server",
		Long:  "Serves /health and /metrics. The schedule command can serve the same endpoints in-process via --listen.",
		RunE:  runMonitor,
	}

	cmd.Flags().String("listen", "0.0.0.0:8080", "HTTP listen address")
	return cmd
}

func runMonitor(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")

	promReg := prometheus.NewRegistry()
	metrics.NewRegistry(promReg)

	srv := newMonitorServer(listen, promReg)
	log.Info().Str("addr", listen).Msg("Monitoring server listening")
	return srv.ListenAndServe()
}

// monitorHandler routes the monitoring endpoints.
func monitorHandler(gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"app":     appName,
		"version": version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
