package search

import (
	"context"

	"weeklydiary/api/internal/store"
)

// EntryRecord is the data we index for a diary entry.
type EntryRecord struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Date   string `json:"date"`
	Text   string `json:"text"`
}

// UserRecord is the data we index for a user profile.
type UserRecord struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatarUrl"`
}

// EntryHit is a diary search result; Snippet may contain <mark> tags.
type EntryHit struct {
	ID      string `json:"id"`
	Date    string `json:"date"`
	Snippet string `json:"snippet"`
}

type UserHit struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatarUrl"`
}

// Fallback answers searches from the primary database when Meilisearch is
// absent or unhealthy.
type Fallback interface {
	SearchDiaryEntries(ctx context.Context, userID, query string, limit int) ([]store.DiaryEntry, error)
	SearchUsers(ctx context.Context, query, excludeUserID string, limit int) ([]store.User, error)
}

// Loader provides every searchable record for a full reindex.
type Loader interface {
	LoadSearchRecords(ctx context.Context) ([]store.DiaryEntry, []store.User, error)
}

func EntryRecordFrom(e store.DiaryEntry) EntryRecord {
	return EntryRecord{ID: e.ID, UserID: e.UserID, Date: e.Date, Text: e.Text}
}

func UserRecordFrom(u store.User) UserRecord {
	return UserRecord{ID: u.ID, Username: u.Username, Nickname: u.Nickname, AvatarURL: u.AvatarURL}
}
