package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tariel-x/duocall/internal/call"
	"github.com/tariel-x/duocall/internal/models"
	"github.com/tariel-x/duocall/internal/presence"
)

// View is the read model rendered by the client.
type View struct {
	SessionID string
	Room      string
	Name      string
	Members   []models.Member
	Messages  []models.ChatMessage

	Phase       call.Phase
	PartnerName string
	Elapsed     string
	AudioMuted  bool
	VideoMuted  bool
}

// Joined reports whether the view belongs to an open room.
func (v View) Joined() bool {
	return v.Room != ""
}

type Notice struct {
	Text string
	Err  error
	At   time.Time
}

const (
	noticeCalling = "Calling other user..."
)

// noticeText renders the user-facing message for an error.
func noticeText(err error, name string) string {
	switch {
	case errors.Is(err, presence.ErrRoomFull):
		return "This room is full. Please try another room code."
	case errors.Is(err, presence.ErrNameTaken):
		return fmt.Sprintf("The username '%s' is already taken.", name)
	case errors.Is(err, presence.ErrInvalidName):
		return "Room code and name must be non-empty and must not contain '/'."
	case errors.Is(err, call.ErrNoPartner):
		return "No other user in the room to call."
	case errors.Is(err, call.ErrAlreadyInCall):
		return "A call is already in progress or being set up."
	case errors.Is(err, call.ErrRemoteRejected):
		return "Call rejected by the other user."
	case errors.Is(err, call.ErrRemoteVanished):
		return "Call ended by the other user."
	case errors.Is(err, call.ErrTransportFailed):
		return "Video call disconnected."
	case errors.Is(err, call.ErrPermissionDenied):
		return "Could not access camera or microphone."
	case errors.Is(err, call.ErrNotRinging):
		return "There is no incoming call."
	case errors.Is(err, ErrNotReady):
		return "Not connected to a room."
	case errors.Is(err, ErrDisconnected):
		return "Connection to the room was lost."
	default:
		return err.Error()
	}
}

func sortedMembers(r presence.Roster) []models.Member {
	out := make([]models.Member, 0, len(r))
	for _, m := range r {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out
}
