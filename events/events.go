package events

import (
	"time"

	"github.com/reef-social/reef/models"
)

// Room is a named subscription group. Connections join a room to receive the
// subset of events relevant to their client role.
type Room string

const (
	RoomAdmin Room = "admin"
	RoomUser  Room = "user"

	// RoomAll targets every connected subscriber regardless of membership.
	// It is not joinable from the wire protocol.
	RoomAll Room = "*"
)

// ValidRoom reports whether r is a room a client may join or leave.
func ValidRoom(r Room) bool {
	return r == RoomAdmin || r == RoomUser
}

// Wire event types. Post events carry either the full post record (creation)
// or a bare identifier (state change / removal).
const (
	EvtNewPost         = "new-post"
	EvtPostRemoved     = "post-removed"
	EvtPostReviewed    = "post-reviewed"
	EvtPostApproved    = "post-approved"
	EvtPostRejected    = "post-rejected"
	EvtModerationAlert = "moderation-alert"
	EvtScanStarted     = "moderation-scan-started"
	EvtTimerUpdate     = "moderation-timer-update"
	EvtStatusUpdate    = "moderation-status-update"
)

// Client-to-server frame types.
const (
	CmdJoinRoom         = "join-room"
	CmdLeaveRoom        = "leave-room"
	CmdToggleModeration = "toggle-moderation"
)

// Event is a single frame on the wire. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type string `json:"type"`

	Post   *models.Post      `json:"post,omitempty"`
	ID     string            `json:"id,omitempty"`
	Scan   *ScanStarted      `json:"scan,omitempty"`
	Alert  *ScanAlert        `json:"alert,omitempty"`
	Timer  *TimerUpdate      `json:"timer,omitempty"`
	Status *ModerationStatus `json:"status,omitempty"`
}

type ScanStarted struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

type ScanAlert struct {
	Timestamp      time.Time `json:"timestamp"`
	ToxicPosts     int       `json:"toxicPosts"`
	DeepfakeImages int       `json:"deepfakeImages"`
	Total          int       `json:"total"`
}

type TimerUpdate struct {
	SecondsRemaining int  `json:"secondsRemaining"`
	IsActive         bool `json:"isActive"`
}

type ModerationStatus struct {
	IsPaused bool `json:"isPaused"`
}

func NewPost(post *models.Post) *Event {
	return &Event{Type: EvtNewPost, Post: post}
}

func PostRemoved(id string) *Event {
	return &Event{Type: EvtPostRemoved, ID: id}
}

func PostReviewed(id string) *Event {
	return &Event{Type: EvtPostReviewed, ID: id}
}

func PostApproved(id string) *Event {
	return &Event{Type: EvtPostApproved, ID: id}
}

func PostRejected(id string) *Event {
	return &Event{Type: EvtPostRejected, ID: id}
}
