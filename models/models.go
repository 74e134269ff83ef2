package models

import (
	"time"
)

type PostKind string

const (
	PostKindText  PostKind = "text"
	PostKindImage PostKind = "image"
)

// Post is the central content record. Everything except Approved and
// UnderReview is immutable after creation.
type Post struct {
	ID string `gorm:"primaryKey" json:"id"`

	// Content holds inline text for text posts and an image URL for image
	// posts, per Kind.
	Kind    PostKind `gorm:"index" json:"kind"`
	Content string   `json:"content"`

	AuthorID    string `gorm:"index" json:"authorId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`

	CreatedAt time.Time `json:"createdAt"`

	// Approved governs whether non-owner, non-admin clients may see the post.
	// Posts start approved and stay visible unless an admin rejects them.
	Approved bool `gorm:"default:true" json:"approved"`

	// UnderReview is sticky: set by the scanner or a manual flag, cleared
	// only by an admin decision.
	UnderReview bool `gorm:"default:false" json:"underReview"`
}
