package store

import "time"

// Profile is the presentation data of a user. It is best effort and never
// authoritative for identity.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Notification is an in-app notification row.
type Notification struct {
	ID        string
	UserID    string
	Kind      string
	Title     string
	Message   string
	Data      map[string]string
	ChatID    string
	Read      bool
	CreatedAt time.Time
}
