package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirzakhalili/KS4/postproc"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(store *postproc.ResultStore, config *postproc.Config, logger logrus.FieldLogger) http.Handler {
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, endpoint string, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.WithField("endpoint", endpoint).WithError(err).Error("encoding response")
		}
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasResult bool      `json:"hasResult"`
			Updated   time.Time `json:"updated"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasResult: store.HasResult(),
			Updated:   store.Updated(),
		}
		writeJSON(w, "/health", status)
	})

	mux.HandleFunc("/summary.json", func(w http.ResponseWriter, r *http.Request) {
		summary, ok := store.Summary()
		if !ok {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, "/summary.json", summary)
	})

	mux.HandleFunc("/feature-index.json", func(w http.ResponseWriter, r *http.Request) {
		res, _, ok := store.Result()
		if !ok || res.FeatureIndex == nil {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, "/feature-index.json", res.FeatureIndex)
	})

	mux.HandleFunc("/diagnostics.json", func(w http.ResponseWriter, r *http.Request) {
		res, _, ok := store.Result()
		if !ok {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		anomalies := res.Diagnostics.Anomalies
		if anomalies == nil {
			anomalies = []postproc.Anomaly{}
		}
		writeJSON(w, "/diagnostics.json", struct {
			Counts    map[postproc.AnomalyKind]int `json:"counts"`
			Anomalies []postproc.Anomaly           `json:"anomalies"`
		}{
			Counts:    res.Diagnostics.CountByKind(),
			Anomalies: anomalies,
		})
	})

	mux.HandleFunc("/result.json", func(w http.ResponseWriter, r *http.Request) {
		res, _, ok := store.Result()
		if !ok {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := res.WriteJSON(w); err != nil {
			logger.WithField("endpoint", "/result.json").WithError(err).Error("encoding response")
		}
	})

	// Position map endpoints
	mux.HandleFunc("/positions.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := positionRenderer(store, config)
		if !ok {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			logger.WithField("endpoint", "/positions.svg").WithError(err).Error("rendering position map")
		}
	})

	mux.HandleFunc("/positions.png", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := positionRenderer(store, config)
		if !ok {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w); err != nil {
			logger.WithField("endpoint", "/positions.png").WithError(err).Error("rendering position map")
		}
	})

	// Default route serves HTML page embedding the SVG map
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>ks4post</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#fff}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/positions.svg" alt="Spike positions">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		}).Debug("http request")
		mux.ServeHTTP(w, r)
	})
}

// positionRenderer builds a renderer for the stored result
func positionRenderer(store *postproc.ResultStore, config *postproc.Config) (*postproc.PositionRenderer, bool) {
	res, geom, ok := store.Result()
	if !ok || geom == nil {
		return nil, false
	}
	cfg := postproc.DefaultConfig().Render
	if config != nil {
		cfg = config.Render
	}
	return postproc.NewPositionRenderer(geom, res.Positions, res.Train.Clusters, cfg), true
}
