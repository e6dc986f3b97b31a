package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tariel-x/duocall/internal/call"
	"github.com/tariel-x/duocall/internal/coordinator"
	"github.com/tariel-x/duocall/internal/models"
)

var (
	primaryColor = lipgloss.Color("#22d3ee")
	successColor = lipgloss.Color("#22c55e")
	errorColor   = lipgloss.Color("#ef4444")
	warningColor = lipgloss.Color("#eab308")
	mutedColor   = lipgloss.Color("#6b7280")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(errorColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	nameStyle    = lipgloss.NewStyle().Bold(true)
)

const helpText = `Commands:
  /call     call the other person in the room
  /accept   accept an incoming call
  /reject   reject an incoming call
  /hangup   end the current call
  /mute     toggle the microphone
  /video    toggle the camera
  /who      list the people in the room
  /leave    leave the room and exit
Anything else is sent as a chat message.`

// renderer prints what changed between two views.
type renderer struct {
	w io.Writer

	printed int
	members string
	phase   call.Phase
	elapsed string
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, phase: call.PhaseIdle}
}

func (r *renderer) update(v coordinator.View) {
	if !v.Joined() {
		return
	}

	if members := memberList(v.Members); members != r.members {
		r.members = members
		fmt.Fprintln(r.w, mutedStyle.Render("In room "+v.Room+": "+members))
	}

	// History can shrink when the message list is replaced from the store.
	if len(v.Messages) < r.printed {
		r.printed = 0
	}
	for _, msg := range v.Messages[r.printed:] {
		fmt.Fprintln(r.w, formatMessage(msg, v.SessionID))
	}
	r.printed = len(v.Messages)

	if v.Phase != r.phase {
		r.phase = v.Phase
		if line := phaseLine(v); line != "" {
			fmt.Fprintln(r.w, line)
		}
	}
	if v.Phase == call.PhaseActive && v.Elapsed != r.elapsed && v.Elapsed != "00:00" && strings.HasSuffix(v.Elapsed, ":00") {
		fmt.Fprintln(r.w, mutedStyle.Render("Call time "+v.Elapsed))
	}
	r.elapsed = v.Elapsed
}

func (r *renderer) notice(n coordinator.Notice) {
	if n.Err != nil {
		fmt.Fprintln(r.w, errorStyle.Render(n.Text))
		return
	}
	fmt.Fprintln(r.w, warningStyle.Render(n.Text))
}

func (r *renderer) who(v coordinator.View) {
	fmt.Fprintln(r.w, titleStyle.Render("Room "+v.Room))
	for _, m := range v.Members {
		line := "  " + m.UserName
		if m.SessionID == v.SessionID {
			line += mutedStyle.Render(" (you)")
		}
		fmt.Fprintln(r.w, line)
	}
}

func formatMessage(msg models.ChatMessage, self string) string {
	ts := mutedStyle.Render(msg.Timestamp.Local().Format("15:04"))
	switch {
	case msg.IsSystem():
		return ts + " " + mutedStyle.Render(msg.Text)
	case msg.SenderID == self:
		return ts + " " + nameStyle.Foreground(primaryColor).Render("You") + ": " + msg.Text
	default:
		return ts + " " + nameStyle.Render(msg.SenderName) + ": " + msg.Text
	}
}

func memberList(members []models.Member) string {
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.UserName)
	}
	if len(names) == 0 {
		return "nobody"
	}
	return strings.Join(names, ", ")
}

func phaseLine(v coordinator.View) string {
	partner := v.PartnerName
	if partner == "" {
		partner = "the other user"
	}
	switch v.Phase {
	case call.PhaseRinging:
		return warningStyle.Render(partner+" is calling. Type /accept or /reject.")
	case call.PhaseConnecting:
		return mutedStyle.Render("Connecting to " + partner + "...")
	case call.PhaseActive:
		return successStyle.Render("In call with " + partner + ".")
	case call.PhaseIdle:
		return mutedStyle.Render("Call ended.")
	}
	return ""
}
