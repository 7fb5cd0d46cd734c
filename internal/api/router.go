package api

import (
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger"
)

// NewRouter mounts the API. swaggerURL is where the UI fetches doc.json.
func NewRouter(a *API, swaggerURL string) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/swagger/", httpSwagger.Handler(
		httpSwagger.URL(swaggerURL),
	))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ingestion
	mux.HandleFunc("/api/ingest", a.IngestHandler)
	mux.HandleFunc("/api/processing/status", a.ProcessingStatusHandler)

	// Ranking
	mux.HandleFunc("/api/rank", a.RankHandler)
	mux.HandleFunc("/api/jobs/{jobId}/rankings.xlsx", a.RankingsExportHandler)

	return mux
}
