package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fotolink/fotolink/internal/signal"
	"github.com/fotolink/fotolink/internal/transfer"
)

// Config represents the peer session configuration.
type Config struct {
	// ConnectTimeout bounds how long a session may stay in connecting
	// before it is failed. Negotiation round-trips aren't fixed in
	// advance, so the caller observes state changes instead of awaiting
	// a single completion.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`

	STUNServers []string `koanf:"stun_servers"`
}

// DefaultConfig returns the peer session defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 12 * time.Second,
		STUNServers:    DefaultSTUNServers,
	}
}

// Signaler is the manager's view of the signaling client.
type Signaler interface {
	Connect() error
	JoinRoom(roomID string) error
	Relay(kind, targetPeerID string, payload json.RawMessage) error
	Close()
}

// SignalerFactory builds a signaling client wired to the given
// callbacks. Production uses the websocket relay client; tests use
// in-process fakes.
type SignalerFactory func(url string, cb signal.Callbacks, l *log.Logger) Signaler

// WebsocketSignaler is the production SignalerFactory.
func WebsocketSignaler(url string, cb signal.Callbacks, l *log.Logger) Signaler {
	return signal.NewClient(signal.DefaultConfig(url), cb, l)
}

// Callbacks are invoked by the manager on session events.
type Callbacks struct {
	// OnState fires on every state transition with the last error
	// message, empty when there is none.
	OnState func(s State, lastErr string)

	// OnConnected fires when the data channel opens and the session
	// becomes usable.
	OnConnected func()

	// OnAuthFailure fires when the peer rejects this client's
	// credentials. The caller should delete its saved pairing so it
	// doesn't auto-reconnect fruitlessly.
	OnAuthFailure func(msg string)
}

// Options bundle everything a Manager needs.
type Options struct {
	Config      Config
	Engine      transfer.Config
	Callbacks   Callbacks
	Transfer    transfer.Callbacks
	NewSignaler SignalerFactory
	Logger      *log.Logger
}

// Manager owns the lifecycle of one peer-to-peer session:
// construction, signal exchange, state transitions, liveness and
// teardown. The desktop counterpart always initiates the session
// description; this side responds.
type Manager struct {
	cfg        Config
	engineCfg  transfer.Config
	cb         Callbacks
	transferCB transfer.Callbacks
	newSig     SignalerFactory
	log        *log.Logger

	// Test seam for the WebRTC layer.
	newPeer func(stun []string, ev channelEvents) (peerHandle, error)

	mut       sync.Mutex
	state     State
	lastErr   string
	sig       Signaler
	peer      peerHandle
	engine    *transfer.Engine
	desktopID string
	roomID    string

	// Candidates that arrived before the offer.
	earlyCandidates []json.RawMessage

	connectTimer *time.Timer

	// gen invalidates callbacks from torn-down sessions.
	gen int
}

// NewManager returns a new session manager in the disconnected state.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = DefaultSTUNServers
	}
	newSig := opts.NewSignaler
	if newSig == nil {
		newSig = WebsocketSignaler
	}
	engineCfg := opts.Engine
	if engineCfg.HeartbeatInterval == 0 {
		engineCfg.HeartbeatInterval = transfer.DefaultConfig().HeartbeatInterval
	}

	m := &Manager{
		cfg:        cfg,
		engineCfg:  engineCfg,
		cb:         opts.Callbacks,
		transferCB: opts.Transfer,
		newSig:     newSig,
		log:        opts.Logger,
		newPeer:    newRTCPeer,
		state:      Disconnected,
	}

	// Auth failures ride in as peer error records; intercept them
	// before handing the error to the presentation callbacks.
	userPeerErr := m.transferCB.OnPeerError
	m.transferCB.OnPeerError = func(msg string) {
		if transfer.IsAuthError(msg) && m.cb.OnAuthFailure != nil {
			m.cb.OnAuthFailure(msg)
		}
		if userPeerErr != nil {
			userPeerErr(msg)
		}
	}
	return m
}

// State returns the current state and last error message.
func (m *Manager) State() (State, string) {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.state, m.lastErr
}

// Engine returns the active transfer engine, nil unless connected.
func (m *Manager) Engine() *transfer.Engine {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.engine
}

// Connect opens the signaling transport and joins the pairing room.
// It does not block: the caller observes progress via OnState. The
// session deterministically reaches connected or error within the
// configured timeout.
func (m *Manager) Connect(signalingURL, roomID string) error {
	m.mut.Lock()
	if m.state == Connecting || m.state == Connected {
		m.mut.Unlock()
		return fmt.Errorf("session is already %s", m.state)
	}

	m.gen++
	gen := m.gen
	m.state = Connecting
	m.lastErr = ""
	m.roomID = roomID
	m.desktopID = ""
	m.earlyCandidates = nil

	sig := m.newSig(signalingURL, signal.Callbacks{
		OnJoined: func(room, desktopID string) {
			m.onJoined(gen, desktopID)
		},
		OnRelayed: func(from string, env signal.Envelope) {
			m.onRelayed(gen, from, env)
		},
		OnDesktopGone: func() {
			m.onDesktopGone(gen)
		},
		OnError: func(err error) {
			m.failIf(gen, err.Error())
		},
	}, m.log)
	m.sig = sig

	m.connectTimer = time.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.failIfConnecting(gen, "timed out waiting for the peer connection")
	})
	m.mut.Unlock()

	m.emitState()

	if err := sig.Connect(); err != nil {
		m.failIf(gen, err.Error())
		return err
	}
	if err := sig.JoinRoom(roomID); err != nil {
		m.failIf(gen, err.Error())
		return err
	}
	return nil
}

// Disconnect tears down peer and signaling resources unconditionally.
// It is idempotent and reachable from any state.
func (m *Manager) Disconnect() {
	m.mut.Lock()
	m.gen++
	already := m.state == Disconnected
	m.teardownLocked()
	m.state = Disconnected
	m.lastErr = ""
	m.mut.Unlock()

	if !already {
		m.emitState()
	}
}

// onJoined records the counterpart's peer ID. The session stays in
// connecting until the data channel opens.
func (m *Manager) onJoined(gen int, desktopID string) {
	m.mut.Lock()
	if gen != m.gen {
		m.mut.Unlock()
		return
	}
	m.desktopID = desktopID
	m.mut.Unlock()
	m.log.Printf("room joined, desktop peer is %s", desktopID)
}

// onRelayed handles one inbound negotiation envelope.
func (m *Manager) onRelayed(gen int, from string, env signal.Envelope) {
	switch env.Type {
	case signal.TypeOffer:
		m.applyOffer(gen, from, env.Offer)
	case signal.TypeICECandidate:
		m.applyCandidate(gen, env.Candidate)
	case signal.TypeAnswer:
		// This side never offers, so an answer has nowhere to go.
		m.log.Printf("ignoring unexpected answer from %s", from)
	case signal.TypeSignal:
		m.applyGenericSignal(gen, from, env.Signal)
	}
}

// applyOffer constructs the peer connection on the first offer, then
// applies the description and relays the answer back.
func (m *Manager) applyOffer(gen int, from string, offer json.RawMessage) {
	m.mut.Lock()
	if gen != m.gen {
		m.mut.Unlock()
		return
	}

	if m.peer == nil {
		p, err := m.newPeer(m.cfg.STUNServers, m.channelEvents(gen))
		if err != nil {
			m.mut.Unlock()
			m.failIf(gen, fmt.Sprintf("error constructing peer: %v", err))
			return
		}
		m.peer = p
	}
	peer := m.peer
	sig := m.sig
	early := m.earlyCandidates
	m.earlyCandidates = nil
	m.mut.Unlock()

	answer, err := peer.ApplyOffer(offer)
	if err != nil {
		m.failIf(gen, err.Error())
		return
	}
	if err := m.relayLocalSignal(sig, from, answer); err != nil {
		m.failIf(gen, fmt.Sprintf("error relaying answer: %v", err))
		return
	}

	// Candidates that raced ahead of the offer.
	for _, c := range early {
		if err := peer.AddCandidate(c); err != nil {
			m.log.Printf("error applying buffered ICE candidate: %v", err)
		}
	}
}

func (m *Manager) applyCandidate(gen int, candidate json.RawMessage) {
	m.mut.Lock()
	if gen != m.gen {
		m.mut.Unlock()
		return
	}
	peer := m.peer
	if peer == nil {
		// No remote description yet; hold the candidate.
		m.earlyCandidates = append(m.earlyCandidates, candidate)
		m.mut.Unlock()
		return
	}
	m.mut.Unlock()

	if err := peer.AddCandidate(candidate); err != nil {
		m.log.Printf("error applying ICE candidate: %v", err)
	}
}

// applyGenericSignal classifies a catch-all signal envelope by shape:
// a session description or an ICE candidate.
func (m *Manager) applyGenericSignal(gen int, from string, payload json.RawMessage) {
	var probe struct {
		Type      string `json:"type"`
		SDP       string `json:"sdp"`
		Candidate string `json:"candidate"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		m.log.Printf("error parsing generic signal: %v", err)
		return
	}

	switch {
	case probe.Type == "offer":
		m.applyOffer(gen, from, payload)
	case probe.Candidate != "":
		m.applyCandidate(gen, payload)
	default:
		m.log.Printf("ignoring generic signal of unknown shape from %s", from)
	}
}

// relayLocalSignal classifies a locally generated signal by shape and
// relays it through the matching signaling kind.
func (m *Manager) relayLocalSignal(sig Signaler, target string, payload json.RawMessage) error {
	var probe struct {
		SDP       string `json:"sdp"`
		Candidate string `json:"candidate"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return err
	}

	switch {
	case probe.SDP != "":
		return sig.Relay(signal.TypeAnswer, target, payload)
	case probe.Candidate != "":
		return sig.Relay(signal.TypeICECandidate, target, payload)
	default:
		return sig.Relay(signal.TypeSignal, target, payload)
	}
}

// channelEvents wires peer connection events back into the state
// machine for a given connection generation.
func (m *Manager) channelEvents(gen int) channelEvents {
	return channelEvents{
		onSignal: func(payload json.RawMessage) {
			m.mut.Lock()
			if gen != m.gen {
				m.mut.Unlock()
				return
			}
			sig := m.sig
			target := m.desktopID
			m.mut.Unlock()
			if sig == nil {
				return
			}
			if err := m.relayLocalSignal(sig, target, payload); err != nil {
				m.log.Printf("error relaying local signal: %v", err)
			}
		},
		onOpen: func(ch Channel) {
			m.onChannelOpen(gen, ch)
		},
		onText: func(b []byte) {
			if e := m.engineFor(gen); e != nil {
				e.HandleControl(b)
			}
		},
		onBinary: func(b []byte) {
			if e := m.engineFor(gen); e != nil {
				e.HandleBinary(b)
			}
		},
		onClose: func() {
			m.onChannelClose(gen)
		},
		onFailed: func(reason string) {
			m.failIf(gen, reason)
		},
	}
}

// onChannelOpen is the single transition into a usable session: the
// manifest request fires automatically and the channel heartbeat
// starts.
func (m *Manager) onChannelOpen(gen int, ch Channel) {
	m.mut.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mut.Unlock()
		return
	}
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	m.state = Connected
	m.lastErr = ""
	engine := transfer.NewEngine(m.engineCfg, channelAdapter{ch}, m.transferCB, m.log)
	m.engine = engine
	m.mut.Unlock()

	m.emitState()

	if err := engine.RequestManifest(); err != nil {
		m.log.Printf("error requesting manifest: %v", err)
	}
	engine.StartHeartbeat()

	if m.cb.OnConnected != nil {
		m.cb.OnConnected()
	}
}

// onChannelClose resets the session to disconnected. Re-pairing with
// the same room is expected to succeed, so this is not an error state.
func (m *Manager) onChannelClose(gen int) {
	m.mut.Lock()
	if gen != m.gen || m.state != Connected {
		m.mut.Unlock()
		return
	}
	m.gen++
	m.teardownLocked()
	m.state = Disconnected
	m.mut.Unlock()

	m.log.Printf("data channel closed")
	m.emitState()
}

// onDesktopGone handles the counterpart explicitly leaving the room.
// Distinct from a transport error: local state resets to disconnected.
func (m *Manager) onDesktopGone(gen int) {
	m.mut.Lock()
	if gen != m.gen {
		m.mut.Unlock()
		return
	}
	m.gen++
	m.teardownLocked()
	m.state = Disconnected
	m.mut.Unlock()

	m.log.Printf("desktop disconnected")
	m.emitState()
}

// failIf moves the session to the error state if the generation still
// matches. The caller must re-invoke Connect to retry; the negotiation
// itself is never retried automatically.
func (m *Manager) failIf(gen int, msg string) {
	m.mut.Lock()
	if gen != m.gen || m.state == Disconnected || m.state == Errored {
		m.mut.Unlock()
		return
	}
	m.gen++
	m.teardownLocked()
	m.state = Errored
	m.lastErr = msg
	m.mut.Unlock()

	m.log.Printf("session error: %s", msg)
	m.emitState()
}

// failIfConnecting fails the session only if it is still negotiating.
func (m *Manager) failIfConnecting(gen int, msg string) {
	m.mut.Lock()
	stillConnecting := gen == m.gen && m.state == Connecting
	m.mut.Unlock()
	if stillConnecting {
		m.failIf(gen, msg)
	}
}

// teardownLocked releases all session resources. Callers hold m.mut.
func (m *Manager) teardownLocked() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	if m.engine != nil {
		m.engine.Reset()
		m.engine = nil
	}
	if m.peer != nil {
		m.peer.Close()
		m.peer = nil
	}
	if m.sig != nil {
		m.sig.Close()
		m.sig = nil
	}
	m.desktopID = ""
	m.earlyCandidates = nil
}

func (m *Manager) engineFor(gen int) *transfer.Engine {
	m.mut.Lock()
	defer m.mut.Unlock()
	if gen != m.gen {
		return nil
	}
	return m.engine
}

func (m *Manager) emitState() {
	if m.cb.OnState == nil {
		return
	}
	m.mut.Lock()
	s, e := m.state, m.lastErr
	m.mut.Unlock()
	m.cb.OnState(s, e)
}

// channelAdapter narrows a peer.Channel to the transfer engine's view.
type channelAdapter struct {
	ch Channel
}

func (c channelAdapter) SendText(b []byte) error {
	if c.ch == nil {
		return errors.New("data channel is not open")
	}
	return c.ch.SendText(b)
}
