package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeChannel) SendText(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeChannel) sentTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.sent))
	for _, b := range c.sent {
		var m message
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("unparseable sent message: %v", err)
		}
		out = append(out, m.Type)
	}
	return out
}

func (c *fakeChannel) lastSent(t *testing.T) message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	var m message
	if err := json.Unmarshal(c.sent[len(c.sent)-1], &m); err != nil {
		t.Fatalf("unparseable sent message: %v", err)
	}
	return m
}

func testLogger() *log.Logger {
	return log.New(os.Stdout, "", log.Lshortfile)
}

func newTestEngine(cb Callbacks) (*Engine, *fakeChannel) {
	ch := &fakeChannel{}
	e := NewEngine(Config{}, ch, cb, testLogger())
	return e, ch
}

func control(t *testing.T, e *Engine, m message) {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	e.HandleControl(b)
}

func TestManifestReplacesSnapshot(t *testing.T) {
	var got [][]ManifestEntry
	e, _ := newTestEngine(Callbacks{
		OnManifest: func(p []ManifestEntry) { got = append(got, p) },
	})

	control(t, e, message{Type: TypeManifest, Photos: []ManifestEntry{
		{ID: "p1", Name: "a.jpg"}, {ID: "p2", Name: "b.jpg"},
	}})
	control(t, e, message{Type: TypeManifest, Photos: []ManifestEntry{
		{ID: "p3", Name: "c.jpg"},
	}})

	if len(got) != 2 {
		t.Fatalf("expected 2 manifest callbacks, got %d", len(got))
	}
	m := e.Manifest()
	if len(m) != 1 || m[0].ID != "p3" {
		t.Fatalf("manifest was merged, not replaced: %+v", m)
	}
}

func TestSingleStreamReassembly(t *testing.T) {
	var img *ResolvedImage
	e, _ := newTestEngine(Callbacks{
		OnImage: func(i *ResolvedImage) { img = i },
	})

	payload := []byte("hello photo bytes")
	control(t, e, message{Type: TypePhotoStart, PhotoID: "p1", Name: "a.jpg",
		Size: int64(len(payload)), MimeType: "image/jpeg"})
	e.HandleBinary(payload[:5])
	e.HandleBinary(payload[5:11])
	e.HandleBinary(payload[11:])
	control(t, e, message{Type: TypePhotoComplete, PhotoID: "p1"})

	if img == nil {
		t.Fatal("no image was delivered")
	}
	if string(img.Bytes()) != string(payload) {
		t.Fatalf("reassembled %q, want %q", img.Bytes(), payload)
	}
	if img.MimeType != "image/jpeg" {
		t.Fatalf("mime type %q", img.MimeType)
	}
	img.Release()
	if e.Outstanding() != 0 {
		t.Fatalf("%d handles leaked", e.Outstanding())
	}
}

func TestChunkWithNoActiveTransferIsDropped(t *testing.T) {
	e, _ := newTestEngine(Callbacks{
		OnImage: func(i *ResolvedImage) { t.Fatal("unexpected image") },
	})

	e.HandleBinary([]byte("stray bytes"))
	control(t, e, message{Type: TypePhotoComplete, PhotoID: "ghost"})
}

func TestRequestPhotoBoundaryValues(t *testing.T) {
	e, ch := newTestEngine(Callbacks{})

	// Quality/dimension bounds are policy, not protocol-enforced.
	if _, err := e.RequestPhoto("p1", 0, 1); err != nil {
		t.Fatalf("quality 0 / dim 1 rejected: %v", err)
	}
	if _, err := e.RequestPhoto("p1", 100, 4096); err != nil {
		t.Fatalf("quality 100 / dim 4096 rejected: %v", err)
	}

	m := ch.lastSent(t)
	if m.Quality != 100 || m.MaxDimension != 4096 {
		t.Fatalf("request fields not passed through: %+v", m)
	}
	if m.RequestID == "" {
		t.Fatal("request carries no correlation ID")
	}
}

func TestRequestsAreNotDeduplicated(t *testing.T) {
	e, ch := newTestEngine(Callbacks{})

	r1, _ := e.RequestPhoto("p1", 40, 300)
	r2, _ := e.RequestPhoto("p1", 90, 4096)
	if r1 == r2 {
		t.Fatal("independent requests share a request ID")
	}
	types := ch.sentTypes(t)
	if len(types) != 2 {
		t.Fatalf("expected 2 wire requests, got %d", len(types))
	}
}

func TestSupersessionReleasesPreviousHandle(t *testing.T) {
	var imgs []*ResolvedImage
	e, _ := newTestEngine(Callbacks{
		OnImage: func(i *ResolvedImage) { imgs = append(imgs, i) },
	})

	e.RequestPhoto("p1", 40, 300)
	control(t, e, message{Type: TypePhotoStart, PhotoID: "p1", Size: 3, MimeType: "image/jpeg"})
	e.HandleBinary([]byte("low"))
	control(t, e, message{Type: TypePhotoComplete, PhotoID: "p1"})

	e.RequestPhoto("p1", 90, 4096)
	control(t, e, message{Type: TypePhotoStart, PhotoID: "p1", Size: 4, MimeType: "image/jpeg"})
	e.HandleBinary([]byte("high"))
	control(t, e, message{Type: TypePhotoComplete, PhotoID: "p1"})

	if len(imgs) != 2 {
		t.Fatalf("expected 2 images, got %d", len(imgs))
	}
	if imgs[0].Bytes() != nil {
		t.Fatal("superseded image was not released")
	}
	if string(imgs[1].Bytes()) != "high" {
		t.Fatalf("second image corrupted: %q", imgs[1].Bytes())
	}
	if imgs[1].Profile.Quality != 90 || imgs[1].Profile.MaxDimension != 4096 {
		t.Fatalf("profile not carried: %+v", imgs[1].Profile)
	}
	if e.Outstanding() != 1 {
		t.Fatalf("expected 1 outstanding handle, got %d", e.Outstanding())
	}
}

func TestBatchChecksumRoundTrip(t *testing.T) {
	var img *ResolvedImage
	e, _ := newTestEngine(Callbacks{
		OnImage: func(i *ResolvedImage) { img = i },
	})

	payload := []byte("batched photo contents split across frames")
	sum := md5.Sum(payload)

	control(t, e, message{Type: TypeBatchStart, BatchID: "b1", Count: 1})
	control(t, e, message{Type: TypePhotoStart, PhotoID: "p9",
		Size: int64(len(payload)), MimeType: "image/png"})

	// Frames delivered out of order; sequence numbers fix the order.
	f0, _ := encodeBatchFrame("p9", 0, payload[:10])
	f1, _ := encodeBatchFrame("p9", 1, payload[10:20])
	f2, _ := encodeBatchFrame("p9", 2, payload[20:])
	e.HandleBinary(f1)
	e.HandleBinary(f0)
	e.HandleBinary(f2)

	control(t, e, message{Type: TypePhotoComplete, PhotoID: "p9",
		Checksum: hex.EncodeToString(sum[:])})
	control(t, e, message{Type: TypeBatchComplete, BatchID: "b1"})

	if img == nil {
		t.Fatal("no image was delivered")
	}
	if string(img.Bytes()) != string(payload) {
		t.Fatalf("reassembled %q, want %q", img.Bytes(), payload)
	}
}

func TestBatchChecksumMismatchRejects(t *testing.T) {
	var integrity error
	e, _ := newTestEngine(Callbacks{
		OnImage:          func(i *ResolvedImage) { t.Fatal("corrupt image was exposed") },
		OnIntegrityError: func(id string, err error) { integrity = err },
	})

	payload := []byte("original bytes before corruption")
	sum := md5.Sum(payload)

	// Flip one bit in one chunk.
	corrupted := make([]byte, len(payload))
	copy(corrupted, payload)
	corrupted[7] ^= 0x01

	control(t, e, message{Type: TypeBatchStart, BatchID: "b1", Count: 1})
	control(t, e, message{Type: TypePhotoStart, PhotoID: "p1",
		Size: int64(len(payload)), MimeType: "image/jpeg"})
	f0, _ := encodeBatchFrame("p1", 0, corrupted)
	e.HandleBinary(f0)
	control(t, e, message{Type: TypePhotoComplete, PhotoID: "p1",
		Checksum: hex.EncodeToString(sum[:])})

	if integrity == nil {
		t.Fatal("checksum mismatch was not surfaced")
	}
	if e.Outstanding() != 0 {
		t.Fatalf("rejected photo left %d handles", e.Outstanding())
	}
}

func TestPeerErrorDoesNotAffectSession(t *testing.T) {
	var peerErr string
	e, _ := newTestEngine(Callbacks{
		OnPeerError: func(msg string) { peerErr = msg },
	})

	control(t, e, message{Type: TypeManifest, Photos: []ManifestEntry{{ID: "p1"}}})
	control(t, e, message{Type: TypeError, Error: "photo not found"})

	if peerErr != "photo not found" {
		t.Fatalf("peer error not surfaced: %q", peerErr)
	}
	// The session state is untouched: the manifest survives.
	if len(e.Manifest()) != 1 {
		t.Fatal("peer error clobbered engine state")
	}
}

func TestResetReleasesEverything(t *testing.T) {
	var imgs []*ResolvedImage
	e, _ := newTestEngine(Callbacks{
		OnImage: func(i *ResolvedImage) { imgs = append(imgs, i) },
	})

	control(t, e, message{Type: TypePhotoStart, PhotoID: "p1", Size: 1, MimeType: "image/jpeg"})
	e.HandleBinary([]byte("x"))
	control(t, e, message{Type: TypePhotoComplete, PhotoID: "p1"})

	// A second transfer left mid-flight.
	control(t, e, message{Type: TypePhotoStart, PhotoID: "p2", Size: 100, MimeType: "image/jpeg"})
	e.HandleBinary([]byte("partial"))

	e.Reset()

	if e.Outstanding() != 0 {
		t.Fatalf("%d handles survived reset", e.Outstanding())
	}
	if len(e.Manifest()) != 0 {
		t.Fatal("manifest survived reset")
	}
	if imgs[0].Bytes() != nil {
		t.Fatal("delivered handle not released on reset")
	}

	// Late chunks for the discarded transfer must not crash.
	e.HandleBinary([]byte("late"))
	control(t, e, message{Type: TypePhotoComplete, PhotoID: "p2"})
}

func TestRequestTimeoutDiscardsTransfer(t *testing.T) {
	done := make(chan error, 1)
	ch := &fakeChannel{}
	e := NewEngine(Config{RequestTimeout: 20 * time.Millisecond}, ch, Callbacks{
		OnIntegrityError: func(id string, err error) { done <- err },
	}, testLogger())

	e.RequestPhoto("p1", 90, 4096)
	control(t, e, message{Type: TypePhotoStart, PhotoID: "p1", Size: 100, MimeType: "image/jpeg"})
	e.HandleBinary([]byte("partial"))

	select {
	case err := <-done:
		if err != ErrRequestTimeout {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request timeout never fired")
	}
}

func TestBatchFrameCodec(t *testing.T) {
	b, err := encodeBatchFrame("photo-1", 42, []byte{0xff, 0xd8, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	id, seq, payload, err := decodeBatchFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if id != "photo-1" || seq != 42 || len(payload) != 3 {
		t.Fatalf("roundtrip mismatch: %s %d %v", id, seq, payload)
	}

	if _, _, _, err := decodeBatchFrame([]byte{5, 'a'}); err == nil {
		t.Fatal("short frame accepted")
	}
}

func TestPingIsEchoedAsPong(t *testing.T) {
	e, ch := newTestEngine(Callbacks{})
	control(t, e, message{Type: TypePing, Timestamp: 12345})

	m := ch.lastSent(t)
	if m.Type != TypePong || m.Timestamp != 12345 {
		t.Fatalf("ping not echoed: %+v", m)
	}
}

func TestIsAuthError(t *testing.T) {
	for msg, want := range map[string]bool{
		"Unauthorized device":   true,
		"pairing token revoked": true,
		"authentication failed": true,
		"photo not found":       false,
		"internal error":        false,
	} {
		if got := IsAuthError(msg); got != want {
			t.Errorf("IsAuthError(%q) = %v, want %v", msg, got, want)
		}
	}
}
