package call

import (
	"context"

	"github.com/tariel-x/duocall/internal/signaling"
)

type channelSignaling struct {
	*signaling.Channel
}

// FromChannel exposes a store-backed signaling channel to the machine.
func FromChannel(ch *signaling.Channel) Signaling {
	return channelSignaling{Channel: ch}
}

func (s channelSignaling) SubscribeToIceCandidates(ctx context.Context, room, remoteID string) (CandidateFeed, error) {
	feed, err := s.Channel.SubscribeToIceCandidates(ctx, room, remoteID)
	if err != nil {
		return nil, err
	}
	return feed, nil
}
