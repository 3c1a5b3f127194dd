package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

const defaultWindow = time.Hour

// NewQueryHandler serves the read-only query API consumed by dashboards.
//
//	GET /api/v1/targets
//	GET /api/v1/metrics?target=
//	GET /api/v1/series?target=&metric=&from=&to=
//	GET /api/v1/gaps?target=&from=&to=
//
// from and to accept RFC3339 or unix seconds and default to the last hour.
func NewQueryHandler(agg *Aggregator, store *Store, log zerolog.Logger) *httprouter.Router {
	router := httprouter.New()

	router.GET("/api/v1/targets", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		writeJSON(w, log, agg.Targets())
	})

	router.GET("/api/v1/metrics", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		target := r.URL.Query().Get("target")
		if target == "" {
			http.Error(w, "target is required", 400)
			return
		}
		names, err := store.Metrics(r.Context(), target)
		if err != nil {
			log.Error().Err(err).Msg("error while listing metrics")
			http.Error(w, "internal error", 500)
			return
		}
		writeJSON(w, log, names)
	})

	router.GET("/api/v1/series", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		q := r.URL.Query()
		target, metric := q.Get("target"), q.Get("metric")
		if target == "" || metric == "" {
			http.Error(w, "target and metric are required", 400)
			return
		}
		from, to, err := parseWindow(q.Get("from"), q.Get("to"), time.Now())
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}

		series, err := store.Series(r.Context(), target, metric, from, to)
		if err != nil {
			log.Error().Err(err).Msg("error while querying series")
			http.Error(w, "internal error", 500)
			return
		}
		writeJSON(w, log, series)
	})

	router.GET("/api/v1/gaps", func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		q := r.URL.Query()
		from, to, err := parseWindow(q.Get("from"), q.Get("to"), time.Now())
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}

		gaps, err := store.Gaps(r.Context(), q.Get("target"), from, to)
		if err != nil {
			log.Error().Err(err).Msg("error while querying gaps")
			http.Error(w, "internal error", 500)
			return
		}
		writeJSON(w, log, gaps)
	})

	return router
}

func parseWindow(rawFrom, rawTo string, now time.Time) (time.Time, time.Time, error) {
	to := now
	if rawTo != "" {
		t, err := parseTime(rawTo)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
		to = t
	}

	from := to.Add(-defaultWindow)
	if rawFrom != "" {
		t, err := parseTime(rawFrom)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
		from = t
	}

	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from is after to")
	}
	return from, to, nil
}

func parseTime(raw string) (time.Time, error) {
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("error while writing response")
	}
}
