// Package call drives one room's call through its lifecycle and tears it
// down on every exit path.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tariel-x/duocall/internal/models"
	"github.com/tariel-x/duocall/internal/signaling"
)

var (
	ErrNoPartner        = errors.New("no other user in the room to call")
	ErrAlreadyInCall    = errors.New("a call is already in progress or being set up")
	ErrPermissionDenied = errors.New("camera or microphone access denied")
	ErrRemoteRejected   = errors.New("call rejected by the other user")
	ErrRemoteVanished   = errors.New("call ended by the other user")
	ErrTransportFailed  = errors.New("video call disconnected")
	ErrNotRinging       = errors.New("no incoming call")
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDialing    Phase = "dialing"
	PhaseRinging    Phase = "ringing"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
	PhaseEnding     Phase = "ending"
)

// InCall reports whether the phase holds or is acquiring call resources.
func (p Phase) InCall() bool {
	return p == PhaseDialing || p == PhaseConnecting || p == PhaseActive
}

// Event is produced asynchronously (subscriptions, transport callbacks,
// timer) and fed back through Machine.HandleEvent. Events of an earlier
// call attempt are dropped.
type Event interface {
	generation() uint64
}

type CandidatesEvent struct {
	Gen        uint64
	Candidates []models.ICECandidate
}

type LocalCandidateEvent struct {
	Gen       uint64
	Candidate models.ICECandidate
}

type ConnectionStateEvent struct {
	Gen   uint64
	State ConnectionState
}

type RemoteTrackEvent struct {
	Gen  uint64
	Kind string
}

type TickEvent struct {
	Gen uint64
}

func (e CandidatesEvent) generation() uint64      { return e.Gen }
func (e LocalCandidateEvent) generation() uint64  { return e.Gen }
func (e ConnectionStateEvent) generation() uint64 { return e.Gen }
func (e RemoteTrackEvent) generation() uint64     { return e.Gen }
func (e TickEvent) generation() uint64            { return e.Gen }

type Config struct {
	Room      string
	SelfID    string
	Signaling Signaling
	Engine    Engine
	ICE       ICEConfig

	// Post enqueues an event for HandleEvent. It must not block.
	Post func(Event)
	// Report receives failures detected outside a user action.
	Report func(error)

	// Context bounds the subscriptions the machine opens.
	Context      context.Context
	TickInterval time.Duration
	Logger       *slog.Logger
}

// State is the call part of the read model.
type State struct {
	Phase        Phase
	PartnerID    string
	IsCaller     bool
	Elapsed      int
	AudioMuted   bool
	VideoMuted   bool
	RemoteTracks []string
}

// Machine is not safe for concurrent use: one goroutine calls every
// method, including HandleEvent for posted events.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	phase      Phase
	gen        uint64
	partnerID  string
	isCaller   bool
	localOffer models.SessionDescription
	offerSeen  bool

	// incoming is the offer SDP being rung for; dismissed is the last one
	// that was rejected or ended so a stale record does not ring again.
	incoming  string
	dismissed string

	transport callResources
	remoteSet bool
	pending   []models.ICECandidate
	candFeed  CandidateFeed

	elapsed     int
	stopTimer   context.CancelFunc
	audioMuted  bool
	videoMuted  bool
	remoteTrack []string
}

// callResources pairs a transport with the media attached to it.
type callResources struct {
	Transport Transport
	Media     MediaHandle
}

func NewMachine(cfg Config) *Machine {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Report == nil {
		cfg.Report = func(error) {}
	}
	return &Machine{
		cfg:    cfg,
		logger: cfg.Logger.With("room", cfg.Room),
		phase:  PhaseIdle,
	}
}

func (m *Machine) Phase() Phase {
	return m.phase
}

func (m *Machine) State() State {
	return State{
		Phase:        m.phase,
		PartnerID:    m.partnerID,
		IsCaller:     m.isCaller,
		Elapsed:      m.elapsed,
		AudioMuted:   m.audioMuted,
		VideoMuted:   m.videoMuted,
		RemoteTracks: append([]string(nil), m.remoteTrack...),
	}
}

// StartCall dials the only other live member.
func (m *Machine) StartCall(ctx context.Context, others []models.Member) error {
	if m.phase != PhaseIdle {
		return ErrAlreadyInCall
	}
	if len(others) != 1 || others[0].SessionID == "" || others[0].SessionID == m.cfg.SelfID {
		return ErrNoPartner
	}

	m.gen++
	m.phase = PhaseDialing
	m.partnerID = others[0].SessionID
	m.isCaller = true
	m.logger.Debug("call dialing", "partner", m.partnerID)

	if err := m.dial(ctx); err != nil {
		m.teardown(ctx, true)
		return err
	}
	return nil
}

func (m *Machine) dial(ctx context.Context) error {
	if err := m.prepareTransport(ctx); err != nil {
		return err
	}
	offer, err := m.transport.Transport.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("%w: create offer: %w", ErrTransportFailed, err)
	}
	if err := m.transport.Transport.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %w", ErrTransportFailed, err)
	}
	m.localOffer = offer
	if err := m.cfg.Signaling.ClearCandidates(ctx, m.cfg.Room, m.cfg.SelfID); err != nil {
		m.logger.Warn("call clear own candidates failed", "error", err)
	}
	if err := m.subscribeCandidates(); err != nil {
		return err
	}
	return m.cfg.Signaling.PlaceOffer(ctx, m.cfg.Room, m.cfg.SelfID, offer)
}

// HandleCallRecord reacts to the latest call record (nil when absent) and
// the live members other than self. It is safe to call repeatedly with the
// same record.
func (m *Machine) HandleCallRecord(ctx context.Context, call *models.CallSession, others []models.Member) {
	switch m.phase {
	case PhaseIdle:
		if !m.isIncoming(call, others) {
			return
		}
		m.gen++
		m.phase = PhaseRinging
		m.partnerID = call.CallerID
		m.isCaller = false
		m.incoming = call.Offer.SDP
		m.logger.Debug("call ringing", "caller", call.CallerID)

	case PhaseRinging:
		if call != nil && call.CallerID == m.cfg.SelfID {
			// Own offer from before yielding to the partner's.
			return
		}
		if call == nil || call.CallerID != m.partnerID || call.Status != models.CallStatusPending {
			m.cfg.Report(ErrRemoteVanished)
			m.teardown(ctx, false)
		}

	case PhaseDialing:
		m.handleDialing(ctx, call)

	case PhaseConnecting, PhaseActive:
		if call == nil && (m.offerSeen || !m.isCaller) {
			m.cfg.Report(ErrRemoteVanished)
			m.teardown(ctx, true)
		}
	}
}

func (m *Machine) isIncoming(call *models.CallSession, others []models.Member) bool {
	if call == nil || call.Status != models.CallStatusPending || call.Offer == nil {
		return false
	}
	if call.CallerID == m.cfg.SelfID || call.Offer.SDP == m.dismissed {
		return false
	}
	return len(others) == 1 && others[0].SessionID == call.CallerID
}

func (m *Machine) handleDialing(ctx context.Context, call *models.CallSession) {
	if call == nil {
		// Before the own offer is observed an empty record is stale.
		if m.offerSeen {
			m.cfg.Report(ErrRemoteVanished)
			m.teardown(ctx, true)
		}
		return
	}

	if call.CallerID != m.cfg.SelfID {
		if call.CallerID == m.partnerID && call.Status == models.CallStatusPending &&
			call.Offer != nil && call.Offer.SDP != m.dismissed {
			m.resolveGlare(ctx, call)
		}
		return
	}
	if call.Offer == nil || call.Offer.SDP != m.localOffer.SDP {
		return
	}
	m.offerSeen = true

	switch {
	case call.Status == models.CallStatusRejected && call.AnswererID == m.partnerID:
		m.cfg.Report(ErrRemoteRejected)
		m.teardown(ctx, true)
	case call.HasAnswer() && call.AnswererID == m.partnerID && !m.remoteSet:
		if err := m.transport.Transport.SetRemoteDescription(*call.Answer); err != nil {
			m.cfg.Report(fmt.Errorf("%w: set remote description: %w", ErrTransportFailed, err))
			m.teardown(ctx, true)
			return
		}
		m.remoteSet = true
		m.phase = PhaseConnecting
		m.flushPending()
		m.logger.Debug("call answer applied", "partner", m.partnerID)
	}
}

// resolveGlare handles both parties dialing at once. The smaller session id
// keeps the caller role and re-asserts its offer; the other releases its
// transport and rings for the partner's offer.
func (m *Machine) resolveGlare(ctx context.Context, call *models.CallSession) {
	if m.cfg.SelfID < m.partnerID {
		m.logger.Debug("call glare, keeping caller role", "partner", m.partnerID)
		if err := m.cfg.Signaling.PlaceOffer(ctx, m.cfg.Room, m.cfg.SelfID, m.localOffer); err != nil {
			m.cfg.Report(err)
			m.teardown(ctx, true)
		}
		return
	}

	m.logger.Debug("call glare, yielding to partner", "partner", m.partnerID)
	partner := m.partnerID
	m.release()
	if err := m.cfg.Signaling.ClearCandidates(ctx, m.cfg.Room, m.cfg.SelfID); err != nil {
		m.logger.Warn("call clear own candidates failed", "error", err)
	}
	audio, video := m.audioMuted, m.videoMuted
	m.reset()
	m.audioMuted, m.videoMuted = audio, video
	m.phase = PhaseRinging
	m.partnerID = partner
	m.incoming = call.Offer.SDP
}

// Accept answers the ringing call using the latest offer in the store.
func (m *Machine) Accept(ctx context.Context) error {
	if m.phase != PhaseRinging {
		return ErrNotRinging
	}

	call, err := m.cfg.Signaling.FetchCall(ctx, m.cfg.Room)
	if err != nil || call.CallerID != m.partnerID || call.Status != models.CallStatusPending || call.Offer == nil {
		m.teardown(ctx, true)
		if err != nil && !isNoCall(err) {
			return err
		}
		return ErrRemoteVanished
	}

	if err := m.answer(ctx, *call.Offer); err != nil {
		m.teardown(ctx, true)
		return err
	}
	m.phase = PhaseConnecting
	m.flushPending()
	return nil
}

func (m *Machine) answer(ctx context.Context, offer models.SessionDescription) error {
	if err := m.prepareTransport(ctx); err != nil {
		return err
	}
	if err := m.cfg.Signaling.ClearCandidates(ctx, m.cfg.Room, m.cfg.SelfID); err != nil {
		m.logger.Warn("call clear own candidates failed", "error", err)
	}
	if err := m.subscribeCandidates(); err != nil {
		return err
	}
	if err := m.transport.Transport.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: set remote description: %w", ErrTransportFailed, err)
	}
	m.remoteSet = true

	answer, err := m.transport.Transport.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("%w: create answer: %w", ErrTransportFailed, err)
	}
	if err := m.transport.Transport.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local description: %w", ErrTransportFailed, err)
	}
	return m.cfg.Signaling.PlaceAnswer(ctx, m.cfg.Room, m.cfg.SelfID, answer)
}

// Reject declines the ringing call. No media is acquired and the caller
// clears the records once it observes the rejection.
func (m *Machine) Reject(ctx context.Context) error {
	if m.phase != PhaseRinging {
		return ErrNotRinging
	}
	err := m.cfg.Signaling.Reject(ctx, m.cfg.Room, m.cfg.SelfID)
	m.reset()
	if err != nil && !isNoCall(err) {
		return err
	}
	return nil
}

// Hangup ends the call from any phase. Calling it when idle is a no-op.
func (m *Machine) Hangup(ctx context.Context) {
	m.teardown(ctx, m.phase != PhaseIdle)
}

func (m *Machine) ToggleAudio() bool {
	m.audioMuted = !m.audioMuted
	if m.transport.Media != nil {
		m.transport.Media.SetAudioEnabled(!m.audioMuted)
	}
	return m.audioMuted
}

func (m *Machine) ToggleVideo() bool {
	m.videoMuted = !m.videoMuted
	if m.transport.Media != nil {
		m.transport.Media.SetVideoEnabled(!m.videoMuted)
	}
	return m.videoMuted
}

func (m *Machine) HandleEvent(ctx context.Context, ev Event) {
	if ev.generation() != m.gen {
		return
	}

	switch e := ev.(type) {
	case CandidatesEvent:
		if !m.remoteSet {
			m.pending = append(m.pending, e.Candidates...)
			return
		}
		m.applyCandidates(e.Candidates)

	case LocalCandidateEvent:
		if !m.phase.InCall() {
			return
		}
		if err := m.cfg.Signaling.PublishIceCandidate(ctx, m.cfg.Room, m.cfg.SelfID, e.Candidate); err != nil {
			m.logger.Warn("call publish candidate failed", "error", err)
		}

	case ConnectionStateEvent:
		m.logger.Debug("call connection state", "state", e.State, "phase", m.phase)
		switch e.State {
		case ConnectionConnected:
			if m.phase == PhaseConnecting {
				m.phase = PhaseActive
				m.elapsed = 0
				m.startTimer()
			}
		case ConnectionDisconnected, ConnectionFailed:
			if m.phase == PhaseConnecting || m.phase == PhaseActive {
				m.cfg.Report(ErrTransportFailed)
				m.teardown(ctx, true)
			}
		}

	case RemoteTrackEvent:
		m.remoteTrack = append(m.remoteTrack, e.Kind)

	case TickEvent:
		if m.phase == PhaseActive {
			m.elapsed++
		}
	}
}

func (m *Machine) prepareTransport(ctx context.Context) error {
	media, err := m.cfg.Engine.AcquireLocalMedia(ctx, true, true)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	media.SetAudioEnabled(!m.audioMuted)
	media.SetVideoEnabled(!m.videoMuted)
	m.transport.Media = media

	gen := m.gen
	post := m.cfg.Post
	transport, err := m.cfg.Engine.CreateTransport(m.cfg.ICE, TransportEvents{
		OnLocalCandidate: func(c models.ICECandidate) {
			post(LocalCandidateEvent{Gen: gen, Candidate: c})
		},
		OnConnectionStateChange: func(s ConnectionState) {
			post(ConnectionStateEvent{Gen: gen, State: s})
		},
		OnRemoteTrack: func(kind string) {
			post(RemoteTrackEvent{Gen: gen, Kind: kind})
		},
	})
	if err != nil {
		return fmt.Errorf("%w: create transport: %w", ErrTransportFailed, err)
	}
	m.transport.Transport = transport

	if err := transport.AddLocalMedia(media); err != nil {
		return fmt.Errorf("%w: add local media: %w", ErrTransportFailed, err)
	}
	return nil
}

func (m *Machine) subscribeCandidates() error {
	feed, err := m.cfg.Signaling.SubscribeToIceCandidates(m.cfg.Context, m.cfg.Room, m.partnerID)
	if err != nil {
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	m.candFeed = feed

	gen := m.gen
	post := m.cfg.Post
	go func() {
		for cands := range feed.C() {
			post(CandidatesEvent{Gen: gen, Candidates: cands})
		}
	}()
	return nil
}

func (m *Machine) flushPending() {
	pending := m.pending
	m.pending = nil
	m.applyCandidates(pending)
}

func (m *Machine) applyCandidates(cands []models.ICECandidate) {
	if m.transport.Transport == nil {
		return
	}
	for _, c := range cands {
		if err := m.transport.Transport.AddRemoteCandidate(c); err != nil {
			m.logger.Debug("call add remote candidate failed", "error", err)
		}
	}
}

func (m *Machine) startTimer() {
	ctx, cancel := context.WithCancel(m.cfg.Context)
	m.stopTimer = cancel

	gen := m.gen
	post := m.cfg.Post
	interval := m.cfg.TickInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				post(TickEvent{Gen: gen})
			case <-ctx.Done():
				return
			}
		}
	}()
}

// teardown always runs the full sequence and tolerates missing parts.
func (m *Machine) teardown(ctx context.Context, clear bool) {
	partner := m.partnerID
	m.phase = PhaseEnding
	m.release()
	if clear {
		if err := m.cfg.Signaling.ClearCall(ctx, m.cfg.Room, m.cfg.SelfID, partner); err != nil {
			m.logger.Warn("call clear failed", "error", err)
		}
	}
	m.reset()
}

func (m *Machine) release() {
	if m.candFeed != nil {
		m.candFeed.Cancel()
		m.candFeed = nil
	}
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	if m.transport.Transport != nil {
		if err := m.transport.Transport.Close(); err != nil {
			m.logger.Debug("call transport close failed", "error", err)
		}
	}
	if m.transport.Media != nil {
		m.transport.Media.Stop()
	}
	m.transport = callResources{}
}

func (m *Machine) reset() {
	if m.incoming != "" {
		m.dismissed = m.incoming
		m.incoming = ""
	}
	m.gen++
	m.phase = PhaseIdle
	m.partnerID = ""
	m.isCaller = false
	m.localOffer = models.SessionDescription{}
	m.offerSeen = false
	m.remoteSet = false
	m.pending = nil
	m.elapsed = 0
	m.audioMuted = false
	m.videoMuted = false
	m.remoteTrack = nil
}

func isNoCall(err error) bool {
	return errors.Is(err, signaling.ErrNoCall)
}

// FormatElapsed renders seconds as MM:SS.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
