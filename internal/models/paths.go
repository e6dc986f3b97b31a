package models

import "strings"

const CurrentCallID = "currentCall"

func RoomPath(room string) string {
	return "rooms/" + room
}

func UsersCollection(room string) string {
	return RoomPath(room) + "/users"
}

func MemberPath(room, displayName string) string {
	return UsersCollection(room) + "/" + displayName
}

func MessagesCollection(room string) string {
	return RoomPath(room) + "/messages"
}

func CallStateCollection(room string) string {
	return RoomPath(room) + "/callState"
}

func CallPath(room string) string {
	return CallStateCollection(room) + "/" + CurrentCallID
}

// CandidatesCollection holds the ICE candidates contributed by one session.
func CandidatesCollection(room, sessionID string) string {
	return CallStateCollection(room) + "/" + sessionID + "/candidates"
}

// ValidName reports whether s can be used as a room code or display name.
func ValidName(s string) bool {
	return strings.TrimSpace(s) != "" && !strings.Contains(s, "/")
}
