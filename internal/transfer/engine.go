package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Data-channel heartbeat latency above this is logged as a warning.
// It is never treated as a failure.
const heartbeatWarn = time.Second

// ErrRequestTimeout indicates a photo request that never completed
// within the configured per-request timeout.
var ErrRequestTimeout = errors.New("photo request timed out")

// Channel is the engine's view of the open data channel. Control
// records go out as text frames; the peer sends photo bytes back as
// binary frames.
type Channel interface {
	SendText(b []byte) error
}

// Config represents the transfer engine configuration.
type Config struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// RequestTimeout bounds the wait for a photo-complete after a
	// request-photo. Zero disables it, matching the peer's contract.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// DefaultConfig returns the transfer engine defaults.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 20 * time.Second}
}

// Callbacks are invoked by the engine as transfers progress. All of
// them are optional and are called outside the engine's lock.
type Callbacks struct {
	// OnManifest fires when a fresh manifest arrives. The list fully
	// replaces any previously delivered manifest.
	OnManifest func(photos []ManifestEntry)

	// OnImage fires when a photo has been reassembled and verified.
	// The receiver owns the handle and must Release it.
	OnImage func(img *ResolvedImage)

	// OnPeerError fires for error control records from the peer. These
	// don't change connection state.
	OnPeerError func(msg string)

	// OnIntegrityError fires when a reassembled photo fails its
	// checksum or a request times out. The photo is dropped and may be
	// re-requested.
	OnIntegrityError func(photoID string, err error)
}

// inflight is the state of one photo currently being streamed.
type inflight struct {
	photoID  string
	name     string
	expected int64
	mimeType string
	received int64

	// Single-stream chunks in receipt order.
	chunks [][]byte

	// Batch chunks keyed by sequence number.
	seqChunks map[uint32][]byte
}

// pendingReq tracks a photo request awaiting its transfer, so the
// resolved image can carry the profile it was requested at.
type pendingReq struct {
	requestID string
	profile   QualityProfile
	timer     *time.Timer
}

// Engine implements the application-level transfer protocol over an
// established, ordered and reliable data channel.
type Engine struct {
	cfg Config
	ch  Channel
	cb  Callbacks
	log *log.Logger

	mut      sync.Mutex
	manifest []ManifestEntry

	// Single-stream path: at most one transfer at a time.
	single *inflight

	// Batch path: transfers keyed by photo ID, chunks tagged on the wire.
	batch       map[string]*inflight
	batchActive bool

	// Requests awaiting their transfer, keyed by photo ID.
	pending map[string]pendingReq

	// Last delivered image per photo ID, released on supersession.
	delivered map[string]*ResolvedImage

	images *imageRegistry

	hbStop   chan struct{}
	lastPing time.Time
}

// NewEngine returns a transfer engine bound to the given channel.
func NewEngine(cfg Config, ch Channel, cb Callbacks, l *log.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		ch:        ch,
		cb:        cb,
		log:       l,
		batch:     map[string]*inflight{},
		pending:   map[string]pendingReq{},
		delivered: map[string]*ResolvedImage{},
		images:    newImageRegistry(),
	}
}

// RequestManifest asks the peer for its full, current photo list.
func (e *Engine) RequestManifest() error {
	return e.send(message{Type: TypeRequestManifest})
}

// RequestPhoto requests one photo at the given compression quality
// [0,100] and maximum pixel dimension. Values in range are passed
// through without policy validation; requests are not deduplicated.
// The returned request ID is echoed by compliant peers.
func (e *Engine) RequestPhoto(photoID string, quality, maxDimension int) (string, error) {
	reqID := uuid.NewString()
	if err := e.send(message{
		Type:         TypeRequestPhoto,
		PhotoID:      photoID,
		RequestID:    reqID,
		Quality:      quality,
		MaxDimension: maxDimension,
	}); err != nil {
		return "", err
	}

	e.mut.Lock()
	e.trackRequest(photoID, reqID, QualityProfile{Quality: quality, MaxDimension: maxDimension})
	e.mut.Unlock()
	return reqID, nil
}

// RequestBatch requests several photos at once. The peer streams them
// back with photo-ID-tagged chunks and per-photo checksums.
func (e *Engine) RequestBatch(photoIDs []string, quality, maxDimension int) (string, error) {
	batchID := uuid.NewString()
	if err := e.send(message{
		Type:         TypeRequestBatch,
		BatchID:      batchID,
		PhotoIDs:     photoIDs,
		Quality:      quality,
		MaxDimension: maxDimension,
	}); err != nil {
		return "", err
	}

	e.mut.Lock()
	profile := QualityProfile{Quality: quality, MaxDimension: maxDimension}
	for _, id := range photoIDs {
		e.trackRequest(id, batchID, profile)
	}
	e.mut.Unlock()
	return batchID, nil
}

// trackRequest records a pending request. Callers hold e.mut.
func (e *Engine) trackRequest(photoID, reqID string, profile QualityProfile) {
	if prev, ok := e.pending[photoID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	req := pendingReq{requestID: reqID, profile: profile}
	if e.cfg.RequestTimeout > 0 {
		req.timer = time.AfterFunc(e.cfg.RequestTimeout, func() {
			e.expireRequest(photoID, reqID)
		})
	}
	e.pending[photoID] = req
}

// expireRequest drops a request (and any partial transfer) that
// outlived the configured timeout.
func (e *Engine) expireRequest(photoID, reqID string) {
	e.mut.Lock()
	req, ok := e.pending[photoID]
	if !ok || req.requestID != reqID {
		e.mut.Unlock()
		return
	}
	delete(e.pending, photoID)
	if e.single != nil && e.single.photoID == photoID {
		e.single = nil
	}
	delete(e.batch, photoID)
	e.mut.Unlock()

	e.log.Printf("photo request %s for %s timed out", reqID, photoID)
	if e.cb.OnIntegrityError != nil {
		e.cb.OnIntegrityError(photoID, ErrRequestTimeout)
	}
}

// Manifest returns a copy of the current manifest snapshot.
func (e *Engine) Manifest() []ManifestEntry {
	e.mut.Lock()
	defer e.mut.Unlock()
	out := make([]ManifestEntry, len(e.manifest))
	copy(out, e.manifest)
	return out
}

// Outstanding returns the number of unreleased image handles.
func (e *Engine) Outstanding() int {
	return e.images.outstanding()
}

// HandleControl processes one JSON control record from the peer.
func (e *Engine) HandleControl(b []byte) {
	var m message
	if err := json.Unmarshal(b, &m); err != nil {
		e.log.Printf("error parsing control message: %v", err)
		return
	}

	switch m.Type {
	case TypeManifest:
		e.handleManifest(m)
	case TypePhotoStart:
		e.handlePhotoStart(m)
	case TypePhotoComplete:
		e.handlePhotoComplete(m)
	case TypeBatchStart:
		e.handleBatchStart(m)
	case TypeBatchComplete:
		e.handleBatchComplete(m)
	case TypePing:
		e.send(message{Type: TypePong, Timestamp: m.Timestamp})
	case TypePong:
		e.recordPong()
	case TypeError:
		e.log.Printf("peer error: %s", m.Error)
		if e.cb.OnPeerError != nil {
			e.cb.OnPeerError(m.Error)
		}
	default:
		e.log.Printf("unknown control message type %q", m.Type)
	}
}

// HandleBinary processes one raw binary frame. Inside a batch window
// frames carry a photo-ID tag; otherwise they belong to the single
// active transfer.
func (e *Engine) HandleBinary(b []byte) {
	e.mut.Lock()
	defer e.mut.Unlock()

	if e.batchActive {
		photoID, seq, payload, err := decodeBatchFrame(b)
		if err != nil {
			e.log.Printf("error decoding batch frame: %v", err)
			return
		}
		t, ok := e.batch[photoID]
		if !ok {
			e.log.Printf("dropping batch chunk for unknown photo %s", photoID)
			return
		}
		chunk := make([]byte, len(payload))
		copy(chunk, payload)
		t.seqChunks[seq] = chunk
		t.received += int64(len(chunk))
		return
	}

	if e.single == nil {
		e.log.Printf("dropping %d byte chunk with no active transfer", len(b))
		return
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	e.single.chunks = append(e.single.chunks, chunk)
	e.single.received += int64(len(chunk))
}

// handleManifest replaces the manifest snapshot wholesale. Old
// entries are never merged in.
func (e *Engine) handleManifest(m message) {
	photos := m.Photos
	if photos == nil {
		photos = []ManifestEntry{}
	}

	e.mut.Lock()
	e.manifest = photos
	out := make([]ManifestEntry, len(photos))
	copy(out, photos)
	e.mut.Unlock()

	if e.cb.OnManifest != nil {
		e.cb.OnManifest(out)
	}
}

func (e *Engine) handlePhotoStart(m message) {
	e.mut.Lock()
	defer e.mut.Unlock()

	if e.batchActive {
		t := &inflight{
			photoID:   m.PhotoID,
			name:      m.Name,
			expected:  m.Size,
			mimeType:  m.MimeType,
			seqChunks: map[uint32][]byte{},
		}
		e.batch[m.PhotoID] = t
		return
	}

	// The single-stream path assumes one transfer at a time. A second
	// photo-start mid-transfer means lost chunks on the peer side, not
	// something to silently mask.
	if e.single != nil {
		e.log.Printf("photo-start for %s while %s is mid-transfer; discarding the older transfer",
			m.PhotoID, e.single.photoID)
	}
	e.single = &inflight{
		photoID:  m.PhotoID,
		name:     m.Name,
		expected: m.Size,
		mimeType: m.MimeType,
	}
}

func (e *Engine) handlePhotoComplete(m message) {
	e.mut.Lock()

	var t *inflight
	if bt, ok := e.batch[m.PhotoID]; ok {
		t = bt
		delete(e.batch, m.PhotoID)
	} else if e.single != nil && e.single.photoID == m.PhotoID {
		t = e.single
		e.single = nil
	}

	if t == nil {
		e.mut.Unlock()
		e.log.Printf("photo-complete for %s with no matching transfer", m.PhotoID)
		return
	}

	data := assemble(t)

	if t.received != t.expected {
		e.log.Printf("size mismatch for %s: received %d, announced %d", t.photoID, t.received, t.expected)
	}

	// Batch transfers carry an MD5 over the reassembled bytes. On
	// mismatch the photo is dropped, never exposed.
	if m.Checksum != "" {
		sum := md5.Sum(data)
		got := hex.EncodeToString(sum[:])
		if !strings.EqualFold(got, m.Checksum) {
			req, ok := e.pending[t.photoID]
			if ok && req.timer != nil {
				req.timer.Stop()
			}
			delete(e.pending, t.photoID)
			e.mut.Unlock()

			err := fmt.Errorf("checksum mismatch for %s: got %s, want %s", t.photoID, got, m.Checksum)
			e.log.Print(err)
			if e.cb.OnIntegrityError != nil {
				e.cb.OnIntegrityError(t.photoID, err)
			}
			return
		}
	}

	var profile QualityProfile
	reqID := m.RequestID
	if req, ok := e.pending[t.photoID]; ok {
		// The request ID echo is optional in the observed protocol;
		// fall back to photo-ID correlation when absent.
		if reqID == "" || reqID == req.requestID {
			profile = req.profile
			reqID = req.requestID
			if req.timer != nil {
				req.timer.Stop()
			}
			delete(e.pending, t.photoID)
		}
	}

	img := e.images.add(t.photoID, reqID, t.mimeType, profile, data)

	// A new image for the same photo ID supersedes the previous one;
	// the superseded handle's backing bytes are released here so they
	// don't accumulate.
	prev := e.delivered[t.photoID]
	e.delivered[t.photoID] = img
	e.mut.Unlock()

	if prev != nil {
		prev.Release()
	}
	if e.cb.OnImage != nil {
		e.cb.OnImage(img)
	}
}

func (e *Engine) handleBatchStart(m message) {
	e.mut.Lock()
	e.batchActive = true
	e.batch = map[string]*inflight{}
	e.mut.Unlock()
	e.log.Printf("batch %s started (%d photos)", m.BatchID, m.Count)
}

func (e *Engine) handleBatchComplete(m message) {
	e.mut.Lock()
	e.batchActive = false
	leftover := len(e.batch)
	e.batch = map[string]*inflight{}
	e.mut.Unlock()

	if leftover > 0 {
		e.log.Printf("batch %s ended with %d incomplete transfer(s) discarded", m.BatchID, leftover)
	}
}

// assemble concatenates a transfer's chunks into one byte sequence:
// receipt order on the single-stream path, sequence order on the
// batch path.
func assemble(t *inflight) []byte {
	if t.seqChunks != nil {
		seqs := make([]int, 0, len(t.seqChunks))
		for s := range t.seqChunks {
			seqs = append(seqs, int(s))
		}
		sort.Ints(seqs)
		out := make([]byte, 0, t.received)
		for _, s := range seqs {
			out = append(out, t.seqChunks[uint32(s)]...)
		}
		return out
	}

	out := make([]byte, 0, t.received)
	for _, c := range t.chunks {
		out = append(out, c...)
	}
	return out
}

// StartHeartbeat begins the data-channel liveness ping. It keeps
// NAT/firewall state tables from idling the channel out.
func (e *Engine) StartHeartbeat() {
	if e.cfg.HeartbeatInterval <= 0 {
		return
	}

	e.mut.Lock()
	if e.hbStop != nil {
		e.mut.Unlock()
		return
	}
	stop := make(chan struct{})
	e.hbStop = stop
	e.mut.Unlock()

	go func() {
		t := time.NewTicker(e.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				e.mut.Lock()
				e.lastPing = time.Now()
				e.mut.Unlock()
				if err := e.send(message{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
					e.log.Printf("error sending channel heartbeat: %v", err)
				}
			}
		}
	}()
}

// StopHeartbeat stops the liveness ping. Idempotent.
func (e *Engine) StopHeartbeat() {
	e.mut.Lock()
	if e.hbStop != nil {
		close(e.hbStop)
		e.hbStop = nil
	}
	e.mut.Unlock()
}

func (e *Engine) recordPong() {
	e.mut.Lock()
	sent := e.lastPing
	e.mut.Unlock()
	if sent.IsZero() {
		return
	}
	if rtt := time.Since(sent); rtt > heartbeatWarn {
		e.log.Printf("channel heartbeat latency: %v", rtt)
	}
}

// Reset discards all in-flight transfers, releases every outstanding
// image handle and clears the manifest snapshot. Called on session
// teardown.
func (e *Engine) Reset() {
	e.StopHeartbeat()

	e.mut.Lock()
	e.single = nil
	e.batch = map[string]*inflight{}
	e.batchActive = false
	e.manifest = nil
	e.delivered = map[string]*ResolvedImage{}
	for _, req := range e.pending {
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	e.pending = map[string]pendingReq{}
	e.mut.Unlock()

	e.images.releaseAll()
}

func (e *Engine) send(m message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return e.ch.SendText(b)
}

// IsAuthError reports whether a peer error message describes an
// authentication/authorization failure. Those are terminal for the
// saved pairing: the caller deletes the stored connection so the app
// doesn't auto-reconnect fruitlessly.
func IsAuthError(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range []string{"unauthorized", "forbidden", "revoked", "token expired", "authentication"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}
