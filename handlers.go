package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fotolink/fotolink/internal/pairing"
	"github.com/fotolink/fotolink/internal/transfer"
	"github.com/go-chi/chi"
)

// reqCtx is the context injected into every request.
type reqCtx struct {
	app *App
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

// statusResp is the payload for the status endpoint.
type statusResp struct {
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	Photos      int    `json:"photos"`
	Outstanding int    `json:"outstanding_images"`
}

// handleIndex serves the viewer page.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	b, err := app.fs.Read("/theme/index.html")
	if err != nil {
		app.logger.Printf("error reading viewer page: %v", err)
		http.Error(w, "viewer page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(b)
}

// handlePair accepts a decoded QR pairing payload and starts a fresh
// connection to the desktop peer.
func handlePair(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		respondJSON(w, nil, errors.New("error reading request"), http.StatusBadRequest)
		return
	}

	p, err := pairing.Parse(b)
	if err != nil {
		respondJSON(w, nil, err, http.StatusBadRequest)
		return
	}

	if err := app.pair(p); err != nil {
		respondJSON(w, nil, err, http.StatusConflict)
		return
	}

	s, lastErr := app.mgr.State()
	respondJSON(w, statusResp{State: s.String(), LastError: lastErr}, nil, http.StatusOK)
}

// handleReconnect re-establishes the last saved pairing without a
// fresh QR scan.
func handleReconnect(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	c, ok := app.saver.Load()
	if !ok {
		respondJSON(w, nil, errors.New("no saved connection"), http.StatusNotFound)
		return
	}

	if err := app.resume(c); err != nil {
		respondJSON(w, nil, err, http.StatusConflict)
		return
	}

	s, lastErr := app.mgr.State()
	respondJSON(w, statusResp{State: s.String(), LastError: lastErr}, nil, http.StatusOK)
}

// handleDisconnect tears the session down and forgets the pairing.
func handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	app.mgr.Disconnect()
	if err := app.saver.Delete(); err != nil {
		app.logger.Printf("error deleting saved connection: %v", err)
	}
	respondJSON(w, true, nil, http.StatusOK)
}

// handleStatus reports the connection state and last error.
func handleStatus(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	s, lastErr := app.mgr.State()
	out := statusResp{State: s.String(), LastError: lastErr}
	if e := app.mgr.Engine(); e != nil {
		out.Photos = len(e.Manifest())
		out.Outstanding = e.Outstanding()
	}
	respondJSON(w, out, nil, http.StatusOK)
}

// handlePhotos returns the current manifest snapshot.
func handlePhotos(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	e := app.mgr.Engine()
	if e == nil {
		respondJSON(w, nil, errors.New("not connected"), http.StatusConflict)
		return
	}
	respondJSON(w, e.Manifest(), nil, http.StatusOK)
}

// handlePhoto fetches one photo from the peer at the requested quality
// profile and streams it back.
func handlePhoto(w http.ResponseWriter, r *http.Request) {
	var (
		ctx     = r.Context().Value("ctx").(*reqCtx)
		app     = ctx.app
		photoID = chi.URLParam(r, "photoID")
	)

	e := app.mgr.Engine()
	if e == nil {
		respondJSON(w, nil, errors.New("not connected"), http.StatusConflict)
		return
	}

	// Quality profile: explicit quality/max params win over the named
	// profile; the default is the full-view profile.
	quality, maxDim := app.cfg.FullQuality, app.cfg.FullDimension
	if r.URL.Query().Get("profile") == "thumb" {
		quality, maxDim = app.cfg.ThumbQuality, app.cfg.ThumbDimension
	}
	if v := r.URL.Query().Get("quality"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			quality = n
		}
	}
	if v := r.URL.Query().Get("max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxDim = n
		}
	}

	img, err := app.fetchPhoto(e, photoID, quality, maxDim)
	if err != nil {
		respondJSON(w, nil, err, http.StatusBadGateway)
		return
	}
	defer img.Release()

	mime := img.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.FormatInt(img.Size(), 10))
	w.Write(img.Bytes())
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	b, err := json.Marshal(out)
	if err != nil {
		logger.Printf("error marshalling JSON response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Write(b)
}

// wrap attaches the app context to handlers.
func wrap(next http.HandlerFunc, app *App) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "ctx", &reqCtx{app: app})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// fetchPhoto requests a photo and blocks until its transfer completes
// or the fetch timeout lapses.
func (app *App) fetchPhoto(e *transfer.Engine, photoID string, quality, maxDim int) (*transfer.ResolvedImage, error) {
	ch := app.addWaiter(photoID)
	defer app.dropWaiter(photoID, ch)

	if _, err := e.RequestPhoto(photoID, quality, maxDim); err != nil {
		return nil, err
	}

	timeout := app.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case img := <-ch:
		if img == nil {
			return nil, errors.New("photo transfer failed")
		}
		return img, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for photo")
	}
}
