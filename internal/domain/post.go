// Package domain defines the feed pipeline's shared types.
package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrPostNotFound is returned when a post cannot be located.
	ErrPostNotFound = errors.New("post not found")
	// ErrInvalidShare indicates the share request failed validation.
	ErrInvalidShare = errors.New("invalid share request")
	// ErrEmptyComment is returned for blank comment bodies.
	ErrEmptyComment = errors.New("comment body is empty")
)

// ActivityType classifies the activity a post was shared from.
type ActivityType string

const (
	ActivityRun       ActivityType = "run"
	ActivityWalk      ActivityType = "walk"
	ActivityRide      ActivityType = "ride"
	ActivityStrength  ActivityType = "strength"
	ActivityNutrition ActivityType = "nutrition"
	ActivityOther     ActivityType = "other"
)

// ParseActivityType maps free-form input onto the enum, defaulting to other.
func ParseActivityType(raw string) ActivityType {
	switch t := ActivityType(strings.ToLower(strings.TrimSpace(raw))); t {
	case ActivityRun, ActivityWalk, ActivityRide, ActivityStrength, ActivityNutrition, ActivityOther:
		return t
	}
	return ActivityOther
}

// Valid reports whether t is a known activity type.
func (t ActivityType) Valid() bool { return ParseActivityType(string(t)) == t }

// Visibility controls who may see a post.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityFollowers Visibility = "followers"
	VisibilityPrivate   Visibility = "private"
)

// ParseVisibility maps free-form input onto the enum, defaulting to public.
func ParseVisibility(raw string) Visibility {
	switch v := Visibility(strings.ToLower(strings.TrimSpace(raw))); v {
	case VisibilityPublic, VisibilityFollowers, VisibilityPrivate:
		return v
	}
	return VisibilityPublic
}

// Metrics is the post's metrics bag. Values are float64, string or nil.
type Metrics map[string]any

// Post is a shareable record of a completed activity.
type Post struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	ActivityType ActivityType `json:"activity_type"`
	SourceType   *string      `json:"source_type"`
	SourceID     *string      `json:"source_id"`
	SessionID    *string      `json:"session_id"`
	Title        string       `json:"title"`
	Subtitle     *string      `json:"subtitle"`
	Caption      *string      `json:"caption"`
	Visibility   Visibility   `json:"visibility"`
	CreatedAt    time.Time    `json:"created_at"`
	Metrics      Metrics      `json:"metrics"`
	MediaURLs    []string     `json:"media_urls"`
	LikeCount    int          `json:"like_count"`
	CommentCount int          `json:"comment_count"`
}

// Identity is a resolved, display-ready identity for a user id.
type Identity struct {
	UserID      string  `json:"user_id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
}

// FeedPost is a fully hydrated feed entry.
type FeedPost struct {
	Post
	Author        Identity `json:"author"`
	LikedByViewer bool     `json:"liked_by_viewer"`
}

// Comment is a single comment on a post.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Author    Identity  `json:"author"`
}
