package models

import "time"

// UserProfile is the minimal viewer identity returned by a Catalog Client.
type UserProfile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// AuthRecord is the per-catalog-api credential persisted by the Auth Store.
type AuthRecord struct {
	UserProfile *UserProfile `json:"userProfile,omitempty"`
	Token       string       `json:"token,omitempty"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"`
}

// Notification is one unread item as returned by Catalog.GetNotifications.
type Notification struct {
	MediaID int    `json:"mediaId"`
	Episode int    `json:"episode"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// MenuFrame is one entry of a persisted menu-navigation history snapshot.
type MenuFrame struct {
	Screen string         `json:"screen"`
	Params map[string]any `json:"params,omitempty"`
}

// Session is the ordered list of menu-state frames persisted on graceful
// exit or on crash. ID distinguishes snapshots whose filenames collide
// (default.json and crash.json are rewritten in place).
type Session struct {
	ID        string      `json:"id"`
	Frames    []MenuFrame `json:"frames"`
	SavedAt   time.Time   `json:"savedAt"`
	CrashExit bool        `json:"crashExit,omitempty"`
}
