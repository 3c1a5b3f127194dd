package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/jveski/warden/internal/api"
	"github.com/jveski/warden/internal/lifecycle"
	"github.com/jveski/warden/internal/rpc"
	"github.com/jveski/warden/internal/runtime"
	"github.com/jveski/warden/internal/supervisor"
)

type supervisorAPI interface {
	Status() *api.Status
	Check(ctx context.Context, name string) (*supervisor.Result, error)
	Trigger()
	Stop(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
}

type logSource interface {
	Logs(ctx context.Context, workload string, opts *runtime.LogOptions, w io.Writer) error
}

func newAdminHandler(auth rpc.Authorizer, sup supervisorAPI, logs logSource, log zerolog.Logger) http.Handler {
	router := httprouter.New()

	router.GET("/status", rpc.WithAuth(auth, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		writeJSON(w, log, 200, sup.Status())
	}))

	router.GET("/logs", rpc.WithAuth(auth, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		q := r.URL.Query()
		opts := &runtime.LogOptions{Follow: q.Get("follow") == "true"}
		if since := q.Get("since"); since != "" {
			d, err := time.ParseDuration(since)
			if err != nil {
				http.Error(w, "invalid since: "+err.Error(), 400)
				return
			}
			opts.Since = time.Now().Add(-d)
		}

		fw := &flushWriter{w: w}
		err := logs.Logs(r.Context(), q.Get("workload"), opts, fw)
		if errors.Is(err, lifecycle.ErrUnknownWorkload) {
			http.Error(w, err.Error(), 404)
			return
		}
		if err != nil && r.Context().Err() == nil {
			log.Warn().Err(err).Msg("error while streaming container logs")
			if !fw.written {
				http.Error(w, err.Error(), 500)
			}
		}
	}))

	router.POST("/check", rpc.WithAuth(auth, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		name := r.URL.Query().Get("workload")
		if name == "" {
			sup.Trigger()
			w.WriteHeader(202)
			return
		}

		result, err := sup.Check(r.Context(), name)
		switch {
		case errors.Is(err, lifecycle.ErrUnknownWorkload):
			http.Error(w, err.Error(), 404)
		case errors.Is(err, supervisor.ErrNotWatched):
			http.Error(w, err.Error(), 400)
		case errors.Is(err, supervisor.ErrReplacementInFlight):
			writeJSON(w, log, 409, result)
		case errors.Is(err, supervisor.ErrShuttingDown):
			http.Error(w, err.Error(), 503)
		case err != nil:
			http.Error(w, err.Error(), 500)
		default:
			writeJSON(w, log, 200, result)
		}
	}))

	router.POST("/stop", rpc.WithAuth(auth, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		name := r.URL.Query().Get("workload")
		log.Warn().Str("workload", name).Str("client", rpc.PeerFingerprint(r.Context())).Msg("operator requested stop")
		writeError(w, sup.Stop(r.Context(), name))
	}))

	router.POST("/start", rpc.WithAuth(auth, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		name := r.URL.Query().Get("workload")
		log.Warn().Str("workload", name).Str("client", rpc.PeerFingerprint(r.Context())).Msg("operator requested start")
		writeError(w, sup.Start(r.Context(), name))
	}))

	return router
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(204)
	case errors.Is(err, lifecycle.ErrUnknownWorkload):
		http.Error(w, err.Error(), 404)
	case errors.Is(err, supervisor.ErrReplacementInFlight), errors.Is(err, supervisor.ErrAlreadyRunning):
		http.Error(w, err.Error(), 409)
	case errors.Is(err, supervisor.ErrShuttingDown):
		http.Error(w, err.Error(), 503)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("error while writing response")
	}
}

// flushWriter pushes every write to the client so that followed logs arrive as they are produced.
type flushWriter struct {
	w       http.ResponseWriter
	written bool
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.written = true
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
