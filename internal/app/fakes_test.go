package app

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"weeklydiary/api/internal/config"
	"weeklydiary/api/internal/logging"
	"weeklydiary/api/internal/objectstore"
	"weeklydiary/api/internal/store"
)

// fakeStore is an in-memory dataStore with the same ownership and
// uniqueness rules as the Postgres store.
type fakeStore struct {
	mu        sync.Mutex
	users     map[string]store.User
	sessions  map[string]store.Session
	entries   map[string]store.DiaryEntry
	photos    map[string]store.DiaryPhoto
	schedules map[string]store.Schedule
	friends   map[string]store.Friend

	pingErr          error
	lookupSessionErr error
	listDiaryErr     error

	// onMonthDiaryDates runs after MonthDiaryDates has read its rows.
	onMonthDiaryDates func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     make(map[string]store.User),
		sessions:  make(map[string]store.Session),
		entries:   make(map[string]store.DiaryEntry),
		photos:    make(map[string]store.DiaryPhoto),
		schedules: make(map[string]store.Schedule),
		friends:   make(map[string]store.Friend),
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == user.Username {
			return store.User{}, store.ErrUsernameTaken
		}
		if user.Nickname != "" && u.Nickname == user.Nickname {
			return store.User{}, store.ErrNicknameTaken
		}
	}
	user.CreatedAt = time.Now()
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) UpdateProfile(_ context.Context, userID string, nickname, bio *string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	if nickname != nil {
		for id, other := range f.users {
			if id != userID && other.Nickname == *nickname {
				return store.User{}, store.ErrNicknameTaken
			}
		}
		u.Nickname = *nickname
	}
	if bio != nil {
		u.Bio = *bio
	}
	f.users[userID] = u
	return u, nil
}

func (f *fakeStore) UpdateAvatar(_ context.Context, userID, avatarURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.AvatarURL = avatarURL
	f.users[userID] = u
	return nil
}

func (f *fakeStore) NicknameExists(_ context.Context, nickname, exceptUserID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, u := range f.users {
		if id != exceptUserID && u.Nickname == nickname {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) SearchUsers(_ context.Context, query, excludeUserID string, limit int) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := strings.ToLower(query)
	var out []store.User
	for id, u := range f.users {
		if id == excludeUserID {
			continue
		}
		if strings.HasPrefix(strings.ToLower(u.Nickname), q) || strings.HasPrefix(strings.ToLower(u.Username), q) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CreateSession(_ context.Context, sess store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.ID] = sess
	return nil
}

func (f *fakeStore) LookupSession(_ context.Context, tokenHash string, notBefore time.Time) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupSessionErr != nil {
		return store.Session{}, f.lookupSessionErr
	}
	sess, ok := f.sessions[tokenHash]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	if _, ok := f.users[sess.UserID]; !ok {
		return store.Session{}, store.ErrNotFound
	}
	if !sess.CreatedAt.After(notBefore) {
		delete(f.sessions, tokenHash)
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (f *fakeStore) TouchSession(_ context.Context, tokenHash string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[tokenHash]; ok {
		sess.LastSeen = at
		f.sessions[tokenHash] = sess
	}
	return nil
}

func (f *fakeStore) DeleteSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

func (f *fakeStore) entryByDate(userID, date string) (store.DiaryEntry, bool) {
	for _, e := range f.entries {
		if e.UserID == userID && e.Date == date {
			return e, true
		}
	}
	return store.DiaryEntry{}, false
}

func (f *fakeStore) UpsertDiaryEntry(_ context.Context, entry store.DiaryEntry) (store.DiaryEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	created := false
	saved, ok := f.entryByDate(entry.UserID, entry.Date)
	if ok {
		saved.Text = entry.Text
		saved.UpdatedAt = now
	} else {
		saved = entry
		saved.CreatedAt = now
		saved.UpdatedAt = now
		created = true
	}
	f.entries[saved.ID] = saved
	for id, p := range f.photos {
		if p.UserID == saved.UserID && p.Date == saved.Date && p.EntryID == nil {
			entryID := saved.ID
			p.EntryID = &entryID
			f.photos[id] = p
		}
	}
	return saved, created, nil
}

func (f *fakeStore) ListDiaryEntries(_ context.Context, userID, from, to string) ([]store.DiaryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listDiaryErr != nil {
		return nil, f.listDiaryErr
	}
	var out []store.DiaryEntry
	for _, e := range f.entries {
		if e.UserID != userID || (from != "" && e.Date < from) || (to != "" && e.Date > to) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

func (f *fakeStore) GetDiaryEntry(_ context.Context, userID, entryID string) (store.DiaryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID]
	if !ok || e.UserID != userID {
		return store.DiaryEntry{}, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) GetDiaryEntryByDate(_ context.Context, userID, date string) (store.DiaryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entryByDate(userID, date)
	if !ok {
		return store.DiaryEntry{}, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) UpdateDiaryEntry(_ context.Context, userID, entryID, text, date string) (store.DiaryEntry, store.DiaryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	before, ok := f.entries[entryID]
	if !ok || before.UserID != userID {
		return store.DiaryEntry{}, store.DiaryEntry{}, store.ErrNotFound
	}
	after := before
	after.Text = text
	if date != "" && date != before.Date {
		if _, taken := f.entryByDate(userID, date); taken {
			return store.DiaryEntry{}, store.DiaryEntry{}, store.ErrConflict
		}
		after.Date = date
		next := 0
		for id, p := range f.photos {
			if p.EntryID != nil && *p.EntryID == entryID {
				p.Date = date
				f.photos[id] = p
				if p.OrderIndex >= next {
					next = p.OrderIndex + 1
				}
			}
		}
		for id, p := range f.photos {
			if p.UserID == userID && p.Date == date && p.EntryID == nil {
				p.EntryID = &entryID
				p.OrderIndex += next
				f.photos[id] = p
			}
		}
	}
	after.UpdatedAt = time.Now()
	f.entries[entryID] = after
	return before, after, nil
}

func (f *fakeStore) DeleteDiaryEntry(_ context.Context, userID, entryID string) (store.DiaryEntry, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entryID]
	if !ok || e.UserID != userID {
		return store.DiaryEntry{}, nil, store.ErrNotFound
	}
	keys := f.deleteDayPhotos(userID, e.Date)
	delete(f.entries, entryID)
	return e, keys, nil
}

func (f *fakeStore) SearchDiaryEntries(_ context.Context, userID, query string, limit int) ([]store.DiaryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.DiaryEntry
	for _, e := range f.entries {
		if e.UserID == userID && strings.Contains(strings.ToLower(e.Text), strings.ToLower(query)) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) LoadSearchRecords(context.Context) ([]store.DiaryEntry, []store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []store.DiaryEntry
	for _, e := range f.entries {
		entries = append(entries, e)
	}
	var users []store.User
	for _, u := range f.users {
		users = append(users, u)
	}
	return entries, users, nil
}

func sortPhotos(photos []store.DiaryPhoto) {
	sort.SliceStable(photos, func(i, j int) bool { return photos[i].OrderIndex < photos[j].OrderIndex })
}

func (f *fakeStore) ListPhotosByDate(_ context.Context, userID, date string) ([]store.DiaryPhoto, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.DiaryPhoto
	for _, p := range f.photos {
		if p.UserID == userID && p.Date == date {
			out = append(out, p)
		}
	}
	sortPhotos(out)
	return out, nil
}

func (f *fakeStore) RecentPhotos(_ context.Context, userID string, limit int) ([]store.DiaryPhoto, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.DiaryPhoto
	for _, p := range f.photos {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].OrderIndex < out[j].OrderIndex
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) deleteDayPhotos(userID, date string) []string {
	var keys []string
	for id, p := range f.photos {
		if p.UserID == userID && p.Date == date {
			keys = append(keys, p.ObjectKey)
			delete(f.photos, id)
		}
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeStore) ReplaceDayPhotos(_ context.Context, userID, date string, photos []store.DiaryPhoto) ([]store.DiaryPhoto, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	previous := f.deleteDayPhotos(userID, date)
	var entryID *string
	if e, ok := f.entryByDate(userID, date); ok {
		id := e.ID
		entryID = &id
	}
	kept := make(map[string]bool, len(photos))
	stored := make([]store.DiaryPhoto, 0, len(photos))
	for _, p := range photos {
		p.UserID = userID
		p.Date = date
		p.EntryID = entryID
		p.CreatedAt = time.Now()
		f.photos[p.ID] = p
		kept[p.ObjectKey] = true
		stored = append(stored, p)
	}
	var orphaned []string
	for _, key := range previous {
		if !kept[key] {
			orphaned = append(orphaned, key)
		}
	}
	return stored, orphaned, nil
}

func (f *fakeStore) DeletePhoto(_ context.Context, userID, photoID string) (store.DiaryPhoto, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.photos[photoID]
	if !ok || p.UserID != userID {
		return store.DiaryPhoto{}, store.ErrNotFound
	}
	delete(f.photos, photoID)
	return p, nil
}

func (f *fakeStore) MonthThumbnails(_ context.Context, userID, from, to string) ([]store.DayThumbnail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	best := make(map[string]store.DiaryPhoto)
	for _, p := range f.photos {
		if p.UserID != userID || p.Date < from || p.Date > to {
			continue
		}
		if cur, ok := best[p.Date]; !ok || p.OrderIndex < cur.OrderIndex {
			best[p.Date] = p
		}
	}
	var out []store.DayThumbnail
	for date, p := range best {
		out = append(out, store.DayThumbnail{Date: date, ObjectKey: p.ObjectKey})
	}
	return out, nil
}

func (f *fakeStore) MonthDiaryDates(_ context.Context, userID, from, to string) ([]string, error) {
	f.mu.Lock()
	var out []string
	for _, e := range f.entries {
		if e.UserID == userID && e.Date >= from && e.Date <= to {
			out = append(out, e.Date)
		}
	}
	hook := f.onMonthDiaryDates
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (f *fakeStore) MonthScheduleCounts(_ context.Context, userID, from, to string) ([]store.DayCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, sc := range f.schedules {
		if sc.UserID != userID || len(sc.StartAt) < 10 {
			continue
		}
		day := sc.StartAt[:10]
		if day >= from && day <= to {
			counts[day]++
		}
	}
	var out []store.DayCount
	for day, n := range counts {
		out = append(out, store.DayCount{Date: day, Count: n})
	}
	return out, nil
}

func (f *fakeStore) CreateSchedule(_ context.Context, sc store.Schedule) (store.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc.CreatedAt = time.Now()
	sc.UpdatedAt = sc.CreatedAt
	f.schedules[sc.ID] = sc
	return sc, nil
}

func (f *fakeStore) GetSchedule(_ context.Context, userID, scheduleID string) (store.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.schedules[scheduleID]
	if !ok || sc.UserID != userID {
		return store.Schedule{}, store.ErrNotFound
	}
	return sc, nil
}

func (f *fakeStore) schedulesWhere(userID string, match func(day string) bool) []store.Schedule {
	var out []store.Schedule
	for _, sc := range f.schedules {
		if sc.UserID == userID && len(sc.StartAt) >= 10 && match(sc.StartAt[:10]) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt < out[j].StartAt })
	return out
}

func (f *fakeStore) ListSchedulesByDay(_ context.Context, userID, date string) ([]store.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schedulesWhere(userID, func(day string) bool { return day == date }), nil
}

func (f *fakeStore) ListSchedulesRange(_ context.Context, userID, start, end string) ([]store.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schedulesWhere(userID, func(day string) bool { return day >= start && day <= end }), nil
}

func (f *fakeStore) UpdateSchedule(_ context.Context, userID, scheduleID string, patch store.SchedulePatch) (store.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.schedules[scheduleID]
	if !ok || sc.UserID != userID {
		return store.Schedule{}, store.ErrNotFound
	}
	if patch.Title != nil {
		sc.Title = *patch.Title
	}
	if patch.StartAt != nil {
		sc.StartAt = *patch.StartAt
	}
	if patch.EndAt != nil {
		sc.EndAt = patch.EndAt
	}
	if patch.Location != nil {
		sc.Location = *patch.Location
	}
	sc.UpdatedAt = time.Now()
	f.schedules[scheduleID] = sc
	return sc, nil
}

func (f *fakeStore) DeleteSchedule(_ context.Context, userID, scheduleID string) (store.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.schedules[scheduleID]
	if !ok || sc.UserID != userID {
		return store.Schedule{}, store.ErrNotFound
	}
	delete(f.schedules, scheduleID)
	return sc, nil
}

func (f *fakeStore) GetFriendRelation(_ context.Context, a, b string) (store.Friend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.friends {
		if (fr.RequesterID == a && fr.AddresseeID == b) || (fr.RequesterID == b && fr.AddresseeID == a) {
			return fr, nil
		}
	}
	return store.Friend{}, store.ErrNotFound
}

func (f *fakeStore) CreateFriendRequest(_ context.Context, fr store.Friend) (store.Friend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.friends {
		if existing.RequesterID == fr.RequesterID && existing.AddresseeID == fr.AddresseeID {
			return store.Friend{}, store.ErrConflict
		}
	}
	fr.CreatedAt = time.Now()
	fr.UpdatedAt = fr.CreatedAt
	f.friends[fr.ID] = fr
	return fr, nil
}

func (f *fakeStore) UpdateFriendStatus(_ context.Context, friendID, status string) (store.Friend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr, ok := f.friends[friendID]
	if !ok {
		return store.Friend{}, store.ErrNotFound
	}
	fr.Status = status
	f.friends[friendID] = fr
	return fr, nil
}

func (f *fakeStore) ReopenFriendRequest(_ context.Context, friendID, requesterID, addresseeID string) (store.Friend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr, ok := f.friends[friendID]
	if !ok {
		return store.Friend{}, store.ErrNotFound
	}
	fr.RequesterID = requesterID
	fr.AddresseeID = addresseeID
	fr.Status = store.FriendPending
	f.friends[friendID] = fr
	return fr, nil
}

func (f *fakeStore) ListFriends(_ context.Context, userID string) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.User
	for _, fr := range f.friends {
		if fr.Status != store.FriendAccepted {
			continue
		}
		switch userID {
		case fr.RequesterID:
			out = append(out, f.users[fr.AddresseeID])
		case fr.AddresseeID:
			out = append(out, f.users[fr.RequesterID])
		}
	}
	return out, nil
}

// fakeObjects is an in-memory objectStorage.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	removed []string
}

type fakeObject struct {
	body        []byte
	contentType string
}

func newFakeObjects(keys ...string) *fakeObjects {
	o := &fakeObjects{objects: make(map[string]fakeObject)}
	for _, key := range keys {
		o.objects[key] = fakeObject{body: []byte("img:" + key), contentType: "image/jpeg"}
	}
	return o
}

func (o *fakeObjects) Stat(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(obj.body)), ContentType: obj.contentType}, nil
}

func (o *fakeObjects) Remove(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	o.removed = append(o.removed, key)
	return nil
}

func (o *fakeObjects) Get(ctx context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	info, err := o.Stat(ctx, key)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return io.NopCloser(bytes.NewReader(o.objects[key].body)), info, nil
}

func (o *fakeObjects) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = fakeObject{body: raw, contentType: contentType}
	return nil
}

func (o *fakeObjects) removedKeys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := append([]string(nil), o.removed...)
	sort.Strings(out)
	return out
}

func testConfig() config.Config {
	return config.Config{
		CookieSecret:      "test-cookie-secret",
		SessionTTL:        time.Hour,
		BcryptCost:        bcrypt.MinCost,
		R2AccountID:       "acct",
		R2Bucket:          "diary",
		R2AccessKeyID:     "AKIDEXAMPLE",
		R2SecretAccessKey: "secret",
		AllowedMIME:       []string{"image/jpeg", "image/png", "image/webp", "image/avif", "image/gif"},
		UploadMaxBytes:    4 << 20,
		PresignExpires:    120 * time.Second,
		CORSOrigin:        "https://weeklydiary.store",
	}
}

func newTestService(fs *fakeStore) *Service {
	return New(testConfig(), fs, logging.Discard())
}
