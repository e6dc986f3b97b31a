// Package rtc implements the call engine on pion/webrtc.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/tariel-x/duocall/internal/call"
	"github.com/tariel-x/duocall/internal/models"
)

const (
	KindAudio = "audio"
	KindVideo = "video"
)

var ErrMediaStopped = errors.New("local media stopped")

// Engine creates pion peer connections carrying one opus audio track and
// one VP8 video track.
type Engine struct {
	api      *webrtc.API
	streamID string
	logger   *slog.Logger
	sources  []fileSource
}

func NewEngine(streamID string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return &Engine{
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		streamID: streamID,
		logger:   logger,
	}, nil
}

// LocalMedia is the pair of local sample tracks. Samples written while a
// kind is disabled are dropped.
type LocalMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool
	stopped atomic.Bool
}

func (e *Engine) AcquireLocalMedia(ctx context.Context, video, audio bool) (call.MediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lm := &LocalMedia{}
	var err error
	if audio {
		lm.audio, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, KindAudio, e.streamID)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		lm.audioOn.Store(true)
	}
	if video {
		lm.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, KindVideo, e.streamID)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		lm.videoOn.Store(true)
	}
	for _, src := range e.sources {
		if (src.kind == KindAudio && audio) || (src.kind == KindVideo && video) {
			go e.play(src, lm)
		}
	}
	return lm, nil
}

func (m *LocalMedia) SetAudioEnabled(enabled bool) { m.audioOn.Store(enabled) }
func (m *LocalMedia) SetVideoEnabled(enabled bool) { m.videoOn.Store(enabled) }
func (m *LocalMedia) Stop()                        { m.stopped.Store(true) }

// WriteSample feeds one encoded frame of the given kind. Frames written
// while the kind is muted are dropped; after Stop it returns ErrMediaStopped.
func (m *LocalMedia) WriteSample(kind string, data []byte, duration time.Duration) error {
	if m.stopped.Load() {
		return ErrMediaStopped
	}
	var track *webrtc.TrackLocalStaticSample
	switch kind {
	case KindAudio:
		if !m.audioOn.Load() {
			return nil
		}
		track = m.audio
	case KindVideo:
		if !m.videoOn.Load() {
			return nil
		}
		track = m.video
	default:
		return fmt.Errorf("unknown media kind %q", kind)
	}
	if track == nil {
		return nil
	}
	return track.WriteSample(media.Sample{Data: data, Duration: duration})
}

func (m *LocalMedia) tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if m.audio != nil {
		out = append(out, m.audio)
	}
	if m.video != nil {
		out = append(out, m.video)
	}
	return out
}

type Transport struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	closeOnce sync.Once
}

func (e *Engine) CreateTransport(cfg call.ICEConfig, events call.TransportEvents) (call.Transport, error) {
	pc, err := e.api.NewPeerConnection(Configuration(cfg))
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &Transport{pc: pc, logger: e.logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		events.OnLocalCandidate(models.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.logger.Debug("rtc peer connection state", "state", s.String())
		if events.OnConnectionStateChange != nil {
			events.OnConnectionStateChange(connectionState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		e.logger.Debug("rtc remote track", "kind", kind, "track_id", track.ID())
		if events.OnRemoteTrack != nil {
			events.OnRemoteTrack(kind)
		}
		go drain(track)
	})

	return t, nil
}

// Configuration maps the call ICE settings onto pion's.
func Configuration(cfg call.ICEConfig) webrtc.Configuration {
	out := webrtc.Configuration{}
	for _, s := range cfg.Servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out.ICEServers = append(out.ICEServers, server)
	}
	if cfg.CandidatePoolSize > 0 && cfg.CandidatePoolSize <= 255 {
		out.ICECandidatePoolSize = uint8(cfg.CandidatePoolSize)
	}
	return out
}

func (t *Transport) AddLocalMedia(h call.MediaHandle) error {
	lm, ok := h.(*LocalMedia)
	if !ok {
		return fmt.Errorf("unsupported media handle %T", h)
	}
	for _, track := range lm.tracks() {
		sender, err := t.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track: %w", err)
		}
		go drainRTCP(sender)
	}
	return nil
}

func (t *Transport) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (t *Transport) SetLocalDescription(sd models.SessionDescription) error {
	return t.pc.SetLocalDescription(toPion(sd))
}

func (t *Transport) SetRemoteDescription(sd models.SessionDescription) error {
	return t.pc.SetRemoteDescription(toPion(sd))
}

func (t *Transport) AddRemoteCandidate(c models.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.pc.Close()
	})
	return err
}

func fromPion(sd webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}
}

func toPion(sd models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
}

func connectionState(s webrtc.PeerConnectionState) call.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return call.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return call.ConnectionClosed
	default:
		return call.ConnectionNew
	}
}

// drain discards remote media; the client has no renderer.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
