package main

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fotolink/fotolink/internal/peer"
	"github.com/fotolink/fotolink/internal/session"
	"github.com/fotolink/fotolink/internal/signal"
	"github.com/fotolink/fotolink/internal/transfer"
	"github.com/fotolink/fotolink/store/mem"
)

// nopSignaler accepts every operation so handler tests can drive the
// session manager without a relay.
type nopSignaler struct{}

func (nopSignaler) Connect() error                                     { return nil }
func (nopSignaler) JoinRoom(roomID string) error                       { return nil }
func (nopSignaler) Relay(kind, target string, p json.RawMessage) error { return nil }
func (nopSignaler) Close()                                             {}

func newTestApp(t *testing.T) *App {
	t.Helper()

	local, err := mem.New(mem.Config{})
	if err != nil {
		t.Fatal(err)
	}

	app := &App{
		cfg:     &Config{FetchTimeout: time.Second},
		logger:  logger,
		saver:   session.New("u1", nil, local, session.DefaultRetention, logger),
		waiters: map[string][]chan *transfer.ResolvedImage{},
	}
	app.mgr = peer.NewManager(peer.Options{
		NewSignaler: func(url string, cb signal.Callbacks, l *log.Logger) peer.Signaler {
			return nopSignaler{}
		},
		Logger: logger,
	})
	return app
}

func do(t *testing.T, h http.HandlerFunc, app *App, method, target, body string) (*httptest.ResponseRecorder, jsonResp) {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	wrap(h, app).ServeHTTP(w, req)

	var out jsonResp
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unparseable response %q: %v", w.Body.String(), err)
	}
	return w, out
}

func TestHandlePairRejectsBadPayload(t *testing.T) {
	app := newTestApp(t)

	w, out := do(t, handlePair, app, "POST", "/api/pair", "not json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d", w.Code)
	}
	if out.Error == nil {
		t.Fatal("no error in response envelope")
	}

	w, out = do(t, handlePair, app, "POST", "/api/pair",
		`{"type":"webrtc","signalingServer":"https://nope","roomId":"abc123"}`)
	if w.Code != http.StatusBadRequest || out.Error == nil {
		t.Fatalf("invalid server scheme accepted: %d %v", w.Code, out.Error)
	}
}

func TestHandlePairStartsConnecting(t *testing.T) {
	app := newTestApp(t)

	w, out := do(t, handlePair, app, "POST", "/api/pair",
		`{"type":"webrtc","signalingServer":"wss://relay.example.com","roomId":"abc123","deviceName":"Study PC"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %v", w.Code, out.Error)
	}

	s, _ := app.mgr.State()
	if s != peer.Connecting {
		t.Fatalf("manager in state %v after pair", s)
	}
	app.mgr.Disconnect()
}

func TestHandleReconnectWithoutSavedPairing(t *testing.T) {
	app := newTestApp(t)

	w, out := do(t, handleReconnect, app, "POST", "/api/reconnect", "")
	if w.Code != http.StatusNotFound || out.Error == nil {
		t.Fatalf("reconnect with nothing saved: %d %v", w.Code, out.Error)
	}
}

func TestHandleReconnectUsesSavedPairing(t *testing.T) {
	app := newTestApp(t)
	if err := app.saver.Save("wss://relay.example.com", "abc123", "Study PC"); err != nil {
		t.Fatal(err)
	}

	w, out := do(t, handleReconnect, app, "POST", "/api/reconnect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %v", w.Code, out.Error)
	}

	s, _ := app.mgr.State()
	if s != peer.Connecting {
		t.Fatalf("manager in state %v after reconnect", s)
	}
	app.mgr.Disconnect()
}

func TestHandleDisconnectForgetsPairing(t *testing.T) {
	app := newTestApp(t)
	if err := app.saver.Save("wss://relay.example.com", "abc123", ""); err != nil {
		t.Fatal(err)
	}

	w, _ := do(t, handleDisconnect, app, "POST", "/api/disconnect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if _, ok := app.saver.Load(); ok {
		t.Fatal("pairing survived disconnect")
	}
}

func TestHandleStatusDisconnected(t *testing.T) {
	app := newTestApp(t)

	w, out := do(t, handleStatus, app, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	b, _ := json.Marshal(out.Data)
	var st statusResp
	if err := json.Unmarshal(b, &st); err != nil {
		t.Fatal(err)
	}
	if st.State != "disconnected" {
		t.Fatalf("state %q", st.State)
	}
}

func TestPhotoEndpointsRequireConnection(t *testing.T) {
	app := newTestApp(t)

	w, out := do(t, handlePhotos, app, "GET", "/api/photos", "")
	if w.Code != http.StatusConflict || out.Error == nil {
		t.Fatalf("photos without connection: %d %v", w.Code, out.Error)
	}

	w, out = do(t, handlePhoto, app, "GET", "/api/photos/p1", "")
	if w.Code != http.StatusConflict || out.Error == nil {
		t.Fatalf("photo without connection: %d %v", w.Code, out.Error)
	}
}

func TestDeliverImageWakesOldestWaiter(t *testing.T) {
	app := newTestApp(t)

	first := app.addWaiter("p1")
	second := app.addWaiter("p1")
	img := &transfer.ResolvedImage{PhotoID: "p1"}
	app.deliverImage(img)

	select {
	case got := <-first:
		if got != img {
			t.Fatal("wrong image delivered")
		}
	default:
		t.Fatal("oldest waiter not woken")
	}
	select {
	case <-second:
		t.Fatal("one image woke two waiters")
	default:
	}
	app.dropWaiter("p1", second)
}

func TestFailWaitersUnblocksFetches(t *testing.T) {
	app := newTestApp(t)

	ch := app.addWaiter("p1")
	other := app.addWaiter("p2")
	app.failWaiters("p1")

	select {
	case img := <-ch:
		if img != nil {
			t.Fatal("failed transfer delivered an image")
		}
	default:
		t.Fatal("waiter not unblocked")
	}
	select {
	case <-other:
		t.Fatal("unrelated waiter unblocked")
	default:
	}
	app.dropWaiter("p2", other)
}
