package call

import (
	"context"

	"github.com/tariel-x/duocall/internal/models"
)

type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICEConfig struct {
	Servers           []ICEServer `json:"iceServers"`
	CandidatePoolSize int         `json:"iceCandidatePoolSize"`
}

// DefaultICEConfig uses public STUN servers only.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{
		Servers: []ICEServer{
			{URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
		},
		CandidatePoolSize: 10,
	}
}

// MediaHandle owns the local capture tracks.
type MediaHandle interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Stop()
}

// TransportEvents are invoked from engine goroutines.
type TransportEvents struct {
	OnLocalCandidate        func(models.ICECandidate)
	OnConnectionStateChange func(ConnectionState)
	OnRemoteTrack           func(kind string)
}

type Transport interface {
	AddLocalMedia(media MediaHandle) error
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	SetLocalDescription(sd models.SessionDescription) error
	SetRemoteDescription(sd models.SessionDescription) error
	AddRemoteCandidate(c models.ICECandidate) error
	Close() error
}

// Engine is the peer-to-peer media collaborator. AcquireLocalMedia returns
// an error matching ErrPermissionDenied when capture is refused.
type Engine interface {
	AcquireLocalMedia(ctx context.Context, video, audio bool) (MediaHandle, error)
	CreateTransport(cfg ICEConfig, events TransportEvents) (Transport, error)
}

// Signaling is the subset of the signaling channel the machine drives.
type Signaling interface {
	PlaceOffer(ctx context.Context, room, callerID string, offer models.SessionDescription) error
	FetchCall(ctx context.Context, room string) (*models.CallSession, error)
	PlaceAnswer(ctx context.Context, room, answererID string, answer models.SessionDescription) error
	Reject(ctx context.Context, room, answererID string) error
	PublishIceCandidate(ctx context.Context, room, ownerID string, c models.ICECandidate) error
	SubscribeToIceCandidates(ctx context.Context, room, remoteID string) (CandidateFeed, error)
	ClearCandidates(ctx context.Context, room, ownerID string) error
	ClearCall(ctx context.Context, room, ownerID, counterpartID string) error
}

// CandidateFeed is a cancellable stream of newly added remote candidates.
type CandidateFeed interface {
	C() <-chan []models.ICECandidate
	Cancel()
}
