package store

import "time"

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Nickname     string
	AvatarURL    string
	Bio          string
	CreatedAt    time.Time
}

// Session.ID is the sha256 of the bearer token, never the token itself.
type Session struct {
	ID        string
	UserID    string
	IP        string
	UserAgent string
	CreatedAt time.Time
	LastSeen  time.Time
}

type DiaryEntry struct {
	ID        string
	UserID    string
	Date      string
	Text      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DiaryPhoto struct {
	ID         string
	EntryID    *string
	UserID     string
	Date       string
	ObjectKey  string
	Mime       string
	Bytes      int64
	Width      *int
	Height     *int
	OrderIndex int
	CreatedAt  time.Time
}

type Schedule struct {
	ID        string
	UserID    string
	Title     string
	StartAt   string
	EndAt     *string
	Location  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SchedulePatch carries only the fields a PATCH supplied.
type SchedulePatch struct {
	Title    *string
	StartAt  *string
	EndAt    *string
	Location *string
}

const (
	FriendPending  = "pending"
	FriendAccepted = "accepted"
	FriendRejected = "rejected"
)

type Friend struct {
	ID          string
	RequesterID string
	AddresseeID string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type DayCount struct {
	Date  string
	Count int
}

type DayThumbnail struct {
	Date      string
	ObjectKey string
}
