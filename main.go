package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fotolink/fotolink/internal/pairing"
	"github.com/fotolink/fotolink/internal/peer"
	"github.com/fotolink/fotolink/internal/session"
	"github.com/fotolink/fotolink/internal/transfer"
	"github.com/fotolink/fotolink/store"
	fsstore "github.com/fotolink/fotolink/store/fs"
	redisstore "github.com/fotolink/fotolink/store/redis"
	"github.com/go-chi/chi"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
)

var (
	logger = log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	ko     = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// App is the global app context that's passed around.
type App struct {
	cfg    *Config
	mgr    *peer.Manager
	saver  *session.Saver
	fs     stuffbin.FileSystem
	logger *log.Logger

	mu sync.Mutex

	// HTTP fetches waiting on in-flight photo transfers, per photo ID.
	waiters map[string][]chan *transfer.ResolvedImage

	// The pairing behind the current connection attempt, saved once
	// the session reaches connected.
	current   pairing.Payload
	reconnect bool
}

func loadConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("FOTOLINK_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "FOTOLINK_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	// Merge command line flags into config.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// initFS initializes the stuffbin embedded static filesystem.
func initFS() stuffbin.FileSystem {
	// Get self executable path to initialise stuffed FS.
	exe, err := os.Executable()
	if err != nil {
		log.Fatalf("error getting executable path: %v", err)
	}

	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("./", "./theme")
			if err != nil {
				log.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			log.Fatalf("error reading stuffed binary: %v", err)
		}
	}
	return fs
}

// initStores initializes the durable remote store and the local
// mirror. Remote unavailability degrades to local-only persistence.
func initStores(app *App) (remote, local store.Store) {
	var redisCfg redisstore.Config
	if err := ko.Unmarshal("store.redis", &redisCfg); err != nil {
		logger.Fatalf("error unmarshalling 'store.redis' config: %v", err)
	}
	if redisCfg.TTL <= 0 {
		redisCfg.TTL = app.cfg.Retention
	}
	if redisCfg.Address != "" {
		r, err := redisstore.New(redisCfg)
		if err != nil {
			logger.Printf("durable store unreachable, using local cache only: %v", err)
		} else {
			remote = r
		}
	}

	var fsCfg fsstore.Config
	if err := ko.Unmarshal("store.fs", &fsCfg); err != nil {
		logger.Fatalf("error unmarshalling 'store.fs' config: %v", err)
	}
	if fsCfg.Path == "" {
		fsCfg.Path = "fotolink-connections.json"
	}
	l, err := fsstore.New(fsCfg, logger)
	if err != nil {
		logger.Fatalf("error initializing local store: %v", err)
	}
	return remote, l
}

// pair starts a fresh connection from a scanned pairing payload.
func (app *App) pair(p pairing.Payload) error {
	app.mgr.Disconnect()

	app.mu.Lock()
	app.current = p
	app.reconnect = false
	app.mu.Unlock()

	return app.mgr.Connect(p.WSURL(), p.RoomID)
}

// resume reconnects a saved pairing.
func (app *App) resume(c store.Connection) error {
	app.mgr.Disconnect()

	p := pairing.Payload{
		Type:            pairing.PayloadType,
		SignalingServer: c.SignalingServer,
		RoomID:          c.RoomID,
		DeviceName:      c.DeviceName,
	}
	app.mu.Lock()
	app.current = p
	app.reconnect = true
	app.mu.Unlock()

	return app.mgr.Connect(p.WSURL(), p.RoomID)
}

// onConnected persists the pairing once the session is usable.
func (app *App) onConnected() {
	app.mu.Lock()
	p := app.current
	re := app.reconnect
	app.mu.Unlock()

	if re {
		app.saver.Touch()
		return
	}
	if err := app.saver.Save(p.SignalingServer, p.RoomID, p.DeviceName); err != nil {
		app.logger.Printf("error saving connection: %v", err)
	}
}

// onAuthFailure forgets the saved pairing so the app doesn't
// auto-reconnect with rejected credentials.
func (app *App) onAuthFailure(msg string) {
	app.logger.Printf("peer rejected credentials: %s", msg)
	if err := app.saver.Delete(); err != nil {
		app.logger.Printf("error deleting saved connection: %v", err)
	}
}

// addWaiter registers an HTTP fetch waiting for a photo.
func (app *App) addWaiter(photoID string) chan *transfer.ResolvedImage {
	ch := make(chan *transfer.ResolvedImage, 1)
	app.mu.Lock()
	app.waiters[photoID] = append(app.waiters[photoID], ch)
	app.mu.Unlock()
	return ch
}

// dropWaiter removes a waiter that's no longer interested.
func (app *App) dropWaiter(photoID string, ch chan *transfer.ResolvedImage) {
	app.mu.Lock()
	defer app.mu.Unlock()
	ws := app.waiters[photoID]
	for i, w := range ws {
		if w == ch {
			app.waiters[photoID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(app.waiters[photoID]) == 0 {
		delete(app.waiters, photoID)
	}
}

// deliverImage hands a resolved image to the oldest waiter for its
// photo ID. With nobody waiting the handle is released immediately so
// it doesn't leak.
func (app *App) deliverImage(img *transfer.ResolvedImage) {
	app.mu.Lock()
	ws := app.waiters[img.PhotoID]
	var ch chan *transfer.ResolvedImage
	if len(ws) > 0 {
		ch = ws[0]
		app.waiters[img.PhotoID] = ws[1:]
	}
	app.mu.Unlock()

	if ch == nil {
		img.Release()
		return
	}
	ch <- img
}

// failWaiters unblocks fetches for a photo whose transfer failed.
func (app *App) failWaiters(photoID string) {
	app.mu.Lock()
	ws := app.waiters[photoID]
	delete(app.waiters, photoID)
	app.mu.Unlock()

	for _, ch := range ws {
		ch <- nil
	}
}

func main() {
	// Load configuration from files.
	loadConfig()

	// Initialize global app context.
	app := &App{
		logger:  logger,
		fs:      initFS(),
		waiters: map[string][]chan *transfer.ResolvedImage{},
	}
	if err := ko.Unmarshal("app", &app.cfg); err != nil {
		logger.Fatalf("error unmarshalling 'app' config: %v", err)
	}
	if app.cfg.Retention <= 0 {
		app.cfg.Retention = session.DefaultRetention
	}
	if app.cfg.UserID == "" {
		app.cfg.UserID = "local"
	}

	// Initialize persistence.
	remote, local := initStores(app)
	app.saver = session.New(app.cfg.UserID, remote, local, app.cfg.Retention, logger)

	// Peer session manager.
	var peerCfg peer.Config
	if err := ko.Unmarshal("peer", &peerCfg); err != nil {
		logger.Fatalf("error unmarshalling 'peer' config: %v", err)
	}
	var engineCfg transfer.Config
	if err := ko.Unmarshal("transfer", &engineCfg); err != nil {
		logger.Fatalf("error unmarshalling 'transfer' config: %v", err)
	}

	app.mgr = peer.NewManager(peer.Options{
		Config: peerCfg,
		Engine: engineCfg,
		Callbacks: peer.Callbacks{
			OnState: func(s peer.State, lastErr string) {
				if lastErr != "" {
					logger.Printf("connection state: %s (%s)", s, lastErr)
				} else {
					logger.Printf("connection state: %s", s)
				}
			},
			OnConnected:   app.onConnected,
			OnAuthFailure: app.onAuthFailure,
		},
		Transfer: transfer.Callbacks{
			OnImage: app.deliverImage,
			OnPeerError: func(msg string) {
				logger.Printf("peer reported: %s", msg)
			},
			OnIntegrityError: func(photoID string, err error) {
				logger.Printf("dropping photo %s: %v", photoID, err)
				app.failWaiters(photoID)
			},
		},
		Logger: logger,
	})

	// Register HTTP routes.
	r := chi.NewRouter()
	r.Get("/", wrap(handleIndex, app))
	r.Get("/theme/*", func(w http.ResponseWriter, r *http.Request) {
		app.fs.FileServer().ServeHTTP(w, r)
	})

	// API.
	r.Post("/api/pair", wrap(handlePair, app))
	r.Post("/api/reconnect", wrap(handleReconnect, app))
	r.Post("/api/disconnect", wrap(handleDisconnect, app))
	r.Get("/api/status", wrap(handleStatus, app))
	r.Get("/api/photos", wrap(handlePhotos, app))
	r.Get("/api/photos/{photoID}", wrap(handlePhoto, app))

	// Catch OS interrupts and tear the session down cleanly.
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-c
		logger.Printf("shutting down: %v", sig)
		app.mgr.Disconnect()
		if f, ok := local.(*fsstore.File); ok {
			f.Flush()
		}
		os.Exit(0)
	}()

	// Start the app.
	srv := &http.Server{
		Addr:    ko.String("app.address"),
		Handler: r,
	}
	logger.Printf("starting server on %v", ko.String("app.address"))
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatalf("couldn't start server: %v", err)
	}
}
