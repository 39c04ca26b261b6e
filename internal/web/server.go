package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pca9634d/internal/output"
)

// Controller is implemented by *output.Service. Implementations must be safe
// to call concurrently.
type Controller interface {
	Snapshot() output.Snapshot
	Subscribe() (<-chan output.Snapshot, func())
	Set(ctx context.Context, outputID string, level float64) error
	SetGroupDuty(ctx context.Context, deviceID string, level float64) error
	SetGroupBlink(ctx context.Context, deviceID string, period time.Duration) error
}

type levelRequest struct {
	Level *float64 `json:"level"`
}

type groupRequest struct {
	Duty  *float64 `json:"duty"`
	Blink string   `json:"blink"`
}

func Handler(ctl Controller, status *Status, logs *LogBuffer, log zerolog.Logger) http.Handler {
	log = log.With().Str("component", "web").Logger()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, status.Response(time.Now().UTC(), ctl.Snapshot()))
	})

	mux.HandleFunc("/api/outputs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/outputs/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		var req levelRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Level == nil {
			http.Error(w, "level is required", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := ctl.Set(ctx, id, *req.Level); err != nil {
			writeControlErr(w, err)
			return
		}
		log.Debug().Str("output", id).Float64("level", *req.Level).Msg("set")
		writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/api/devices/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/api/devices/"), "/group")
		if !ok || id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		var req groupRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var period time.Duration
		if req.Blink != "" {
			d, err := time.ParseDuration(req.Blink)
			if err != nil || d < 0 {
				http.Error(w, "blink must be a duration such as 1s", http.StatusBadRequest)
				return
			}
			period = d
		}
		if req.Duty == nil && req.Blink == "" {
			http.Error(w, "duty or blink is required", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if req.Duty != nil {
			if err := ctl.SetGroupDuty(ctx, id, *req.Duty); err != nil {
				writeControlErr(w, err)
				return
			}
		}
		if req.Blink != "" {
			if err := ctl.SetGroupBlink(ctx, id, period); err != nil {
				writeControlErr(w, err)
				return
			}
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/api/ws", snapshotStream(ctl, log))

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := ctl.Snapshot()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>pca9634d</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>pca9634d</h1><p>API: <a href=\"/api/status\">/api/status</a></p><pre>")
		for _, o := range snap.Outputs {
			_, _ = fmt.Fprintf(w, "%-16s %s/%d level=%.3f raw=%d\n", o.ID, o.Device, o.Channel, o.Level, o.Raw)
		}
		_, _ = fmt.Fprintf(w, "</pre></body></html>")
	})

	return mux
}

func snapshotStream(ctl Controller, log zerolog.Logger) http.HandlerFunc {
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		snaps, unsubscribe := ctl.Subscribe()
		defer unsubscribe()

		// Reads only detect the peer going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case snap := <-snaps:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(snap); err != nil {
					return
				}
			}
		}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %v", err)
	}
	return nil
}

func writeControlErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, output.ErrUnknownOutput), errors.Is(err, output.ErrUnknownDevice):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, output.ErrInvalidLevel):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Serve(ctx context.Context, listenAddr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("listen", listenAddr).Msg("web server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
