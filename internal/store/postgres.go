package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db    *sql.DB
	retry RetryPolicy
}

func NewPostgresStore(db *sql.DB, policy RetryPolicy) *PostgresStore {
	if policy.Attempts < 1 {
		policy = defaultRetry
	}
	return &PostgresStore{db: db, retry: policy}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return withRetry(ctx, s.retry, fn)
}

// inTx runs fn in a transaction; the whole transaction is retried on
// transient connection errors.
func (s *PostgresStore) inTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return s.do(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, username, password_hash, COALESCE(nickname, ''), avatar_url, bio, created_at`

func scanUser(row rowScanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Nickname, &u.AvatarURL, &u.Bio, &u.CreatedAt)
	return u, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO users (id, username, password_hash, nickname)
			VALUES ($1, $2, $3, NULLIF($4, ''))
			RETURNING created_at
		`, user.ID, user.Username, user.PasswordHash, user.Nickname).Scan(&user.CreatedAt)
	})
	if err != nil {
		if mapped := mapUnique(err); mapped != err {
			return User{}, mapped
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		user, err = scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
		return err
	})
	return user, notFound(err)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		user, err = scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
		return err
	})
	return user, notFound(err)
}

// UpdateProfile changes the fields that are non-nil.
func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, nickname, bio *string) (User, error) {
	var user User
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		user, err = scanUser(s.db.QueryRowContext(ctx, `
			UPDATE users
			SET nickname = COALESCE($2::text, nickname),
				bio = COALESCE($3::text, bio)
			WHERE id = $1
			RETURNING `+userColumns,
			userID, nickname, bio))
		return err
	})
	if err != nil {
		if mapped := mapUnique(err); mapped != err {
			return User{}, mapped
		}
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) UpdateAvatar(ctx context.Context, userID, avatarURL string) error {
	return s.do(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `UPDATE users SET avatar_url=$2 WHERE id=$1`, userID, avatarURL)
		if err != nil {
			return fmt.Errorf("update avatar: %w", err)
		}
		return requireRow(res)
	})
}

func (s *PostgresStore) NicknameExists(ctx context.Context, nickname, exceptUserID string) (bool, error) {
	var exists bool
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE nickname=$1 AND id<>$2)`,
			nickname, exceptUserID).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check nickname: %w", err)
	}
	return exists, nil
}

// SearchUsers matches a nickname or username prefix, nickname hits first.
func (s *PostgresStore) SearchUsers(ctx context.Context, query, excludeUserID string, limit int) ([]User, error) {
	pattern := likeEscape(query) + "%"
	var users []User
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+userColumns+`
			FROM users
			WHERE (nickname ILIKE $1 OR username ILIKE $1) AND id <> $2
			ORDER BY (nickname ILIKE $1) DESC, nickname ASC NULLS LAST, username ASC
			LIMIT $3
		`, pattern, excludeUserID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		users = users[:0]
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return err
			}
			users = append(users, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, ip, user_agent, created_at, last_seen)
			VALUES ($1, $2, $3, $4, $5, $5)
		`, sess.ID, sess.UserID, sess.IP, sess.UserAgent, sess.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// LookupSession returns the session only when it was created after
// notBefore and its user still exists. Expired rows are removed on sight.
func (s *PostgresStore) LookupSession(ctx context.Context, tokenHash string, notBefore time.Time) (Session, error) {
	var sess Session
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT s.id, s.user_id, s.ip, s.user_agent, s.created_at, s.last_seen
			FROM sessions s
			JOIN users u ON u.id = s.user_id
			WHERE s.id = $1
		`, tokenHash).Scan(&sess.ID, &sess.UserID, &sess.IP, &sess.UserAgent, &sess.CreatedAt, &sess.LastSeen)
	})
	if err != nil {
		return Session{}, notFound(err)
	}
	if !sess.CreatedAt.After(notBefore) {
		_ = s.DeleteSession(ctx, tokenHash)
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, tokenHash string, at time.Time) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen=$2 WHERE id=$1`, tokenHash, at)
		return err
	})
}

func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash string) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, tokenHash)
		return err
	})
}

const entryColumns = `id, user_id, to_char(entry_date, 'YYYY-MM-DD'), text, created_at, updated_at`

func scanEntry(row rowScanner) (DiaryEntry, error) {
	var e DiaryEntry
	err := row.Scan(&e.ID, &e.UserID, &e.Date, &e.Text, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func collectEntries(rows *sql.Rows) ([]DiaryEntry, error) {
	defer rows.Close()
	var entries []DiaryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertDiaryEntry writes the one entry for (user, date) and attaches any
// photos already uploaded for that day. created is false on update.
func (s *PostgresStore) UpsertDiaryEntry(ctx context.Context, entry DiaryEntry) (DiaryEntry, bool, error) {
	var saved DiaryEntry
	var created bool
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO diary_entries (id, user_id, entry_date, text)
			VALUES ($1, $2, $3::date, $4)
			ON CONFLICT (user_id, entry_date) DO UPDATE
				SET text = EXCLUDED.text, updated_at = NOW()
			RETURNING `+entryColumns+`, (xmax = 0)
		`, entry.ID, entry.UserID, entry.Date, entry.Text).Scan(
			&saved.ID, &saved.UserID, &saved.Date, &saved.Text, &saved.CreatedAt, &saved.UpdatedAt, &created)
		if err != nil {
			return fmt.Errorf("upsert diary entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE diary_photos SET entry_id = $1
			WHERE user_id = $2 AND photo_date = $3::date AND entry_id IS NULL
		`, saved.ID, saved.UserID, saved.Date); err != nil {
			return fmt.Errorf("attach photos: %w", err)
		}
		return nil
	})
	if err != nil {
		return DiaryEntry{}, false, err
	}
	return saved, created, nil
}

// ListDiaryEntries returns a user's entries newest first. Empty bounds are open.
func (s *PostgresStore) ListDiaryEntries(ctx context.Context, userID, from, to string) ([]DiaryEntry, error) {
	var entries []DiaryEntry
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+entryColumns+`
			FROM diary_entries
			WHERE user_id = $1
				AND entry_date >= COALESCE(NULLIF($2::text, '')::date, '-infinity'::date)
				AND entry_date <= COALESCE(NULLIF($3::text, '')::date, 'infinity'::date)
			ORDER BY entry_date DESC
		`, userID, from, to)
		if err != nil {
			return err
		}
		entries, err = collectEntries(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list diary entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) GetDiaryEntry(ctx context.Context, userID, entryID string) (DiaryEntry, error) {
	var entry DiaryEntry
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		entry, err = scanEntry(s.db.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM diary_entries WHERE id=$1 AND user_id=$2`, entryID, userID))
		return err
	})
	return entry, notFound(err)
}

func (s *PostgresStore) GetDiaryEntryByDate(ctx context.Context, userID, date string) (DiaryEntry, error) {
	var entry DiaryEntry
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		entry, err = scanEntry(s.db.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM diary_entries WHERE user_id=$1 AND entry_date=$2::date`, userID, date))
		return err
	})
	return entry, notFound(err)
}

// UpdateDiaryEntry rewrites the text and optionally moves the entry (and its
// photos) to another day, adopting detached photos already on that day. It
// returns the entry as it was before the change.
func (s *PostgresStore) UpdateDiaryEntry(ctx context.Context, userID, entryID, text, date string) (DiaryEntry, DiaryEntry, error) {
	var before, after DiaryEntry
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		before, err = scanEntry(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM diary_entries WHERE id=$1 AND user_id=$2 FOR UPDATE`, entryID, userID))
		if err != nil {
			return notFound(err)
		}
		after, err = scanEntry(tx.QueryRowContext(ctx, `
			UPDATE diary_entries
			SET text = $3,
				entry_date = COALESCE(NULLIF($4::text, '')::date, entry_date),
				updated_at = NOW()
			WHERE id = $1 AND user_id = $2
			RETURNING `+entryColumns,
			entryID, userID, text, date))
		if err != nil {
			return mapUnique(err)
		}
		if after.Date != before.Date {
			if _, err := tx.ExecContext(ctx,
				`UPDATE diary_photos SET photo_date=$2::date WHERE entry_id=$1`, entryID, after.Date); err != nil {
				return fmt.Errorf("move photos: %w", err)
			}
			// Photos uploaded to the target day before it had an entry join
			// the moved entry, ordered after its own photos.
			if _, err := tx.ExecContext(ctx, `
				UPDATE diary_photos
				SET entry_id = $1,
					order_index = order_index + COALESCE(
						(SELECT MAX(order_index) + 1 FROM diary_photos WHERE entry_id = $1), 0)
				WHERE user_id = $2 AND photo_date = $3::date AND entry_id IS NULL
			`, entryID, userID, after.Date); err != nil {
				return fmt.Errorf("attach photos: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return DiaryEntry{}, DiaryEntry{}, err
	}
	return before, after, nil
}

// DeleteDiaryEntry removes the entry and every photo of its day, returning
// the object keys that should be removed from storage.
func (s *PostgresStore) DeleteDiaryEntry(ctx context.Context, userID, entryID string) (DiaryEntry, []string, error) {
	var entry DiaryEntry
	var keys []string
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		entry, err = scanEntry(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM diary_entries WHERE id=$1 AND user_id=$2 FOR UPDATE`, entryID, userID))
		if err != nil {
			return notFound(err)
		}
		keys, err = deleteDayPhotos(ctx, tx, userID, entry.Date)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM diary_entries WHERE id=$1`, entryID); err != nil {
			return fmt.Errorf("delete diary entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return DiaryEntry{}, nil, err
	}
	return entry, keys, nil
}

func (s *PostgresStore) SearchDiaryEntries(ctx context.Context, userID, query string, limit int) ([]DiaryEntry, error) {
	var entries []DiaryEntry
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+entryColumns+`
			FROM diary_entries
			WHERE user_id = $1
				AND (to_tsvector('simple', text) @@ plainto_tsquery('simple', $2) OR text ILIKE $3)
			ORDER BY entry_date DESC
			LIMIT $4
		`, userID, query, "%"+likeEscape(query)+"%", limit)
		if err != nil {
			return err
		}
		entries, err = collectEntries(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("search diary entries: %w", err)
	}
	return entries, nil
}

// LoadSearchRecords returns every entry and user for a search reindex.
func (s *PostgresStore) LoadSearchRecords(ctx context.Context) ([]DiaryEntry, []User, error) {
	var entries []DiaryEntry
	var users []User
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM diary_entries`)
		if err != nil {
			return err
		}
		entries, err = collectEntries(rows)
		if err != nil {
			return err
		}

		userRows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users`)
		if err != nil {
			return err
		}
		defer userRows.Close()
		users = users[:0]
		for userRows.Next() {
			u, err := scanUser(userRows)
			if err != nil {
				return err
			}
			users = append(users, u)
		}
		return userRows.Err()
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load search records: %w", err)
	}
	return entries, users, nil
}

const photoColumns = `id, entry_id, user_id, to_char(photo_date, 'YYYY-MM-DD'), object_key, mime, bytes, width, height, order_index, created_at`

func scanPhoto(row rowScanner) (DiaryPhoto, error) {
	var p DiaryPhoto
	err := row.Scan(&p.ID, &p.EntryID, &p.UserID, &p.Date, &p.ObjectKey, &p.Mime, &p.Bytes, &p.Width, &p.Height, &p.OrderIndex, &p.CreatedAt)
	return p, err
}

func collectPhotos(rows *sql.Rows) ([]DiaryPhoto, error) {
	defer rows.Close()
	var photos []DiaryPhoto
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func (s *PostgresStore) ListPhotosByDate(ctx context.Context, userID, date string) ([]DiaryPhoto, error) {
	var photos []DiaryPhoto
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+photoColumns+`
			FROM diary_photos
			WHERE user_id = $1 AND photo_date = $2::date
			ORDER BY order_index ASC, created_at ASC
		`, userID, date)
		if err != nil {
			return err
		}
		photos, err = collectPhotos(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}
	return photos, nil
}

func (s *PostgresStore) RecentPhotos(ctx context.Context, userID string, limit int) ([]DiaryPhoto, error) {
	var photos []DiaryPhoto
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+photoColumns+`
			FROM diary_photos
			WHERE user_id = $1
			ORDER BY photo_date DESC, order_index ASC
			LIMIT $2
		`, userID, limit)
		if err != nil {
			return err
		}
		photos, err = collectPhotos(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("recent photos: %w", err)
	}
	return photos, nil
}

// ReplaceDayPhotos swaps the whole photo set of one day in a single
// transaction. It returns the stored rows and the keys no longer referenced.
func (s *PostgresStore) ReplaceDayPhotos(ctx context.Context, userID, date string, photos []DiaryPhoto) ([]DiaryPhoto, []string, error) {
	var stored []DiaryPhoto
	var orphaned []string
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stored = stored[:0]
		previous, err := deleteDayPhotos(ctx, tx, userID, date)
		if err != nil {
			return err
		}

		var entryID *string
		var id string
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM diary_entries WHERE user_id=$1 AND entry_date=$2::date`, userID, date).Scan(&id)
		switch {
		case err == nil:
			entryID = &id
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup diary entry: %w", err)
		}

		kept := make(map[string]bool, len(photos))
		for _, p := range photos {
			p.UserID = userID
			p.Date = date
			p.EntryID = entryID
			err := tx.QueryRowContext(ctx, `
				INSERT INTO diary_photos (id, entry_id, user_id, photo_date, object_key, mime, bytes, width, height, order_index)
				VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9, $10)
				RETURNING created_at
			`, p.ID, p.EntryID, p.UserID, p.Date, p.ObjectKey, p.Mime, p.Bytes, p.Width, p.Height, p.OrderIndex).Scan(&p.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert photo: %w", mapUnique(err))
			}
			kept[p.ObjectKey] = true
			stored = append(stored, p)
		}

		orphaned = orphaned[:0]
		for _, key := range previous {
			if !kept[key] {
				orphaned = append(orphaned, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return stored, orphaned, nil
}

func deleteDayPhotos(ctx context.Context, tx *sql.Tx, userID, date string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`DELETE FROM diary_photos WHERE user_id=$1 AND photo_date=$2::date RETURNING object_key`, userID, date)
	if err != nil {
		return nil, fmt.Errorf("delete day photos: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) DeletePhoto(ctx context.Context, userID, photoID string) (DiaryPhoto, error) {
	var photo DiaryPhoto
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		photo, err = scanPhoto(s.db.QueryRowContext(ctx,
			`DELETE FROM diary_photos WHERE id=$1 AND user_id=$2 RETURNING `+photoColumns, photoID, userID))
		return err
	})
	return photo, notFound(err)
}

// MonthThumbnails returns the lowest order_index photo per day in [from, to].
func (s *PostgresStore) MonthThumbnails(ctx context.Context, userID, from, to string) ([]DayThumbnail, error) {
	var thumbs []DayThumbnail
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT ON (photo_date) to_char(photo_date, 'YYYY-MM-DD'), object_key
			FROM diary_photos
			WHERE user_id = $1 AND photo_date BETWEEN $2::date AND $3::date
			ORDER BY photo_date, order_index ASC, created_at ASC
		`, userID, from, to)
		if err != nil {
			return err
		}
		defer rows.Close()
		thumbs = thumbs[:0]
		for rows.Next() {
			var t DayThumbnail
			if err := rows.Scan(&t.Date, &t.ObjectKey); err != nil {
				return err
			}
			thumbs = append(thumbs, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("month thumbnails: %w", err)
	}
	return thumbs, nil
}

func (s *PostgresStore) MonthDiaryDates(ctx context.Context, userID, from, to string) ([]string, error) {
	var dates []string
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT to_char(entry_date, 'YYYY-MM-DD')
			FROM diary_entries
			WHERE user_id = $1 AND entry_date BETWEEN $2::date AND $3::date
		`, userID, from, to)
		if err != nil {
			return err
		}
		defer rows.Close()
		dates = dates[:0]
		for rows.Next() {
			var d string
			if err := rows.Scan(&d); err != nil {
				return err
			}
			dates = append(dates, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("month diary dates: %w", err)
	}
	return dates, nil
}

// MonthScheduleCounts groups schedules by the date portion of start_at.
func (s *PostgresStore) MonthScheduleCounts(ctx context.Context, userID, from, to string) ([]DayCount, error) {
	var counts []DayCount
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT substr(start_at, 1, 10) AS day, COUNT(*)
			FROM schedules
			WHERE user_id = $1 AND substr(start_at, 1, 10) BETWEEN $2 AND $3
			GROUP BY day
		`, userID, from, to)
		if err != nil {
			return err
		}
		defer rows.Close()
		counts = counts[:0]
		for rows.Next() {
			var c DayCount
			if err := rows.Scan(&c.Date, &c.Count); err != nil {
				return err
			}
			counts = append(counts, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("month schedule counts: %w", err)
	}
	return counts, nil
}

const scheduleColumns = `id, user_id, title, start_at, end_at, location, created_at, updated_at`

func scanSchedule(row rowScanner) (Schedule, error) {
	var sc Schedule
	err := row.Scan(&sc.ID, &sc.UserID, &sc.Title, &sc.StartAt, &sc.EndAt, &sc.Location, &sc.CreatedAt, &sc.UpdatedAt)
	return sc, err
}

func (s *PostgresStore) querySchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	var schedules []Schedule
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		schedules = schedules[:0]
		for rows.Next() {
			sc, err := scanSchedule(rows)
			if err != nil {
				return err
			}
			schedules = append(schedules, sc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return schedules, nil
}

func (s *PostgresStore) CreateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO schedules (id, user_id, title, start_at, end_at, location)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at
		`, sc.ID, sc.UserID, sc.Title, sc.StartAt, sc.EndAt, sc.Location).Scan(&sc.CreatedAt, &sc.UpdatedAt)
	})
	if err != nil {
		return Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	return sc, nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, userID, scheduleID string) (Schedule, error) {
	var sc Schedule
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		sc, err = scanSchedule(s.db.QueryRowContext(ctx,
			`SELECT `+scheduleColumns+` FROM schedules WHERE id=$1 AND user_id=$2`, scheduleID, userID))
		return err
	})
	return sc, notFound(err)
}

func (s *PostgresStore) ListSchedulesByDay(ctx context.Context, userID, date string) ([]Schedule, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE user_id = $1 AND substr(start_at, 1, 10) = $2
		ORDER BY start_at ASC
	`, userID, date)
}

func (s *PostgresStore) ListSchedulesRange(ctx context.Context, userID, start, end string) ([]Schedule, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE user_id = $1 AND substr(start_at, 1, 10) BETWEEN $2 AND $3
		ORDER BY start_at ASC
	`, userID, start, end)
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, userID, scheduleID string, patch SchedulePatch) (Schedule, error) {
	var sc Schedule
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		sc, err = scanSchedule(s.db.QueryRowContext(ctx, `
			UPDATE schedules SET
				title = COALESCE($3::text, title),
				start_at = COALESCE($4::text, start_at),
				end_at = COALESCE($5::text, end_at),
				location = COALESCE($6::text, location),
				updated_at = NOW()
			WHERE id = $1 AND user_id = $2
			RETURNING `+scheduleColumns,
			scheduleID, userID, patch.Title, patch.StartAt, patch.EndAt, patch.Location))
		return err
	})
	return sc, notFound(err)
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, userID, scheduleID string) (Schedule, error) {
	var sc Schedule
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		sc, err = scanSchedule(s.db.QueryRowContext(ctx,
			`DELETE FROM schedules WHERE id=$1 AND user_id=$2 RETURNING `+scheduleColumns, scheduleID, userID))
		return err
	})
	return sc, notFound(err)
}

const friendColumns = `id, requester_id, addressee_id, status, created_at, updated_at`

func scanFriend(row rowScanner) (Friend, error) {
	var f Friend
	err := row.Scan(&f.ID, &f.RequesterID, &f.AddresseeID, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// GetFriendRelation finds the row between a and b in either direction.
func (s *PostgresStore) GetFriendRelation(ctx context.Context, a, b string) (Friend, error) {
	var f Friend
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		f, err = scanFriend(s.db.QueryRowContext(ctx, `
			SELECT `+friendColumns+`
			FROM friends
			WHERE (requester_id = $1 AND addressee_id = $2) OR (requester_id = $2 AND addressee_id = $1)
			LIMIT 1
		`, a, b))
		return err
	})
	return f, notFound(err)
}

func (s *PostgresStore) CreateFriendRequest(ctx context.Context, f Friend) (Friend, error) {
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO friends (id, requester_id, addressee_id, status)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at, updated_at
		`, f.ID, f.RequesterID, f.AddresseeID, f.Status).Scan(&f.CreatedAt, &f.UpdatedAt)
	})
	if err != nil {
		if mapped := mapUnique(err); mapped != err {
			return Friend{}, mapped
		}
		return Friend{}, fmt.Errorf("insert friend request: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) UpdateFriendStatus(ctx context.Context, friendID, status string) (Friend, error) {
	var f Friend
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		f, err = scanFriend(s.db.QueryRowContext(ctx, `
			UPDATE friends SET status=$2, updated_at=NOW()
			WHERE id=$1
			RETURNING `+friendColumns, friendID, status))
		return err
	})
	return f, notFound(err)
}

// ReopenFriendRequest turns an existing row back into a pending request from
// requesterID to addresseeID, whichever direction it had before.
func (s *PostgresStore) ReopenFriendRequest(ctx context.Context, friendID, requesterID, addresseeID string) (Friend, error) {
	var f Friend
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		f, err = scanFriend(s.db.QueryRowContext(ctx, `
			UPDATE friends SET requester_id=$2, addressee_id=$3, status='pending', updated_at=NOW()
			WHERE id=$1
			RETURNING `+friendColumns, friendID, requesterID, addresseeID))
		return err
	})
	return f, notFound(err)
}

func (s *PostgresStore) ListFriends(ctx context.Context, userID string) ([]User, error) {
	var users []User
	err := s.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT u.id, u.username, u.password_hash, COALESCE(u.nickname, ''), u.avatar_url, u.bio, u.created_at
			FROM friends f
			JOIN users u ON u.id = CASE WHEN f.requester_id = $1 THEN f.addressee_id ELSE f.requester_id END
			WHERE f.status = 'accepted' AND (f.requester_id = $1 OR f.addressee_id = $1)
			ORDER BY u.nickname ASC NULLS LAST, u.username ASC
		`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		users = users[:0]
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return err
			}
			users = append(users, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	return users, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func likeEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
