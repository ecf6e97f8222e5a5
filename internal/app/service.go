package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"weeklydiary/api/internal/auth"
	"weeklydiary/api/internal/authpw"
	"weeklydiary/api/internal/config"
	"weeklydiary/api/internal/logging"
	"weeklydiary/api/internal/objectstore"
	"weeklydiary/api/internal/presign"
	"weeklydiary/api/internal/search"
	"weeklydiary/api/internal/store"
)

// Session is an authenticated browser session. Token is the raw bearer value
// that goes into the signed cookie; only its hash is ever stored.
type Session struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ClientMeta is recorded alongside a new session.
type ClientMeta struct {
	IP        string
	UserAgent string
}

type dataStore interface {
	GetUserByUsername(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	UpdateProfile(context.Context, string, *string, *string) (store.User, error)
	UpdateAvatar(context.Context, string, string) error
	NicknameExists(context.Context, string, string) (bool, error)
	SearchUsers(context.Context, string, string, int) ([]store.User, error)

	sessionStore

	UpsertDiaryEntry(context.Context, store.DiaryEntry) (store.DiaryEntry, bool, error)
	ListDiaryEntries(context.Context, string, string, string) ([]store.DiaryEntry, error)
	GetDiaryEntry(context.Context, string, string) (store.DiaryEntry, error)
	GetDiaryEntryByDate(context.Context, string, string) (store.DiaryEntry, error)
	UpdateDiaryEntry(context.Context, string, string, string, string) (store.DiaryEntry, store.DiaryEntry, error)
	DeleteDiaryEntry(context.Context, string, string) (store.DiaryEntry, []string, error)
	SearchDiaryEntries(context.Context, string, string, int) ([]store.DiaryEntry, error)
	LoadSearchRecords(context.Context) ([]store.DiaryEntry, []store.User, error)

	ListPhotosByDate(context.Context, string, string) ([]store.DiaryPhoto, error)
	RecentPhotos(context.Context, string, int) ([]store.DiaryPhoto, error)
	ReplaceDayPhotos(context.Context, string, string, []store.DiaryPhoto) ([]store.DiaryPhoto, []string, error)
	DeletePhoto(context.Context, string, string) (store.DiaryPhoto, error)
	MonthThumbnails(context.Context, string, string, string) ([]store.DayThumbnail, error)
	MonthDiaryDates(context.Context, string, string, string) ([]string, error)
	MonthScheduleCounts(context.Context, string, string, string) ([]store.DayCount, error)

	CreateSchedule(context.Context, store.Schedule) (store.Schedule, error)
	GetSchedule(context.Context, string, string) (store.Schedule, error)
	ListSchedulesByDay(context.Context, string, string) ([]store.Schedule, error)
	ListSchedulesRange(context.Context, string, string, string) ([]store.Schedule, error)
	UpdateSchedule(context.Context, string, string, store.SchedulePatch) (store.Schedule, error)
	DeleteSchedule(context.Context, string, string) (store.Schedule, error)

	GetFriendRelation(context.Context, string, string) (store.Friend, error)
	CreateFriendRequest(context.Context, store.Friend) (store.Friend, error)
	UpdateFriendStatus(context.Context, string, string) (store.Friend, error)
	ReopenFriendRequest(context.Context, string, string, string) (store.Friend, error)
	ListFriends(context.Context, string) ([]store.User, error)

	Ping(ctx context.Context) error
}

// sessionStore is satisfied by the Postgres store and by session.RedisStore.
type sessionStore interface {
	CreateSession(context.Context, store.Session) error
	LookupSession(context.Context, string, time.Time) (store.Session, error)
	TouchSession(context.Context, string, time.Time) error
	DeleteSession(context.Context, string) error
}

type objectStorage interface {
	Stat(context.Context, string) (objectstore.ObjectInfo, error)
	Remove(context.Context, string) error
	Get(context.Context, string) (io.ReadCloser, objectstore.ObjectInfo, error)
	Put(context.Context, string, io.Reader, int64, string) error
}

type overviewCache interface {
	Get(ctx context.Context, userID string, year, month int, dest any) (bool, error)
	Version(ctx context.Context, userID string, year, month int) (int64, error)
	Set(ctx context.Context, userID string, year, month int, version int64, value any) (bool, error)
	Invalidate(ctx context.Context, userID string, year, month int) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	objects   objectStorage
	overview  overviewCache
	search    *search.Service
	passwords *authpw.Service
	signer    presign.Signer
	uploads   presign.Policy
	log       *slog.Logger
	now       func() time.Time
}

func New(cfg config.Config, dataStore dataStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	scheme := "https"
	if strings.HasPrefix(strings.TrimSpace(cfg.R2Endpoint), "http://") {
		scheme = "http"
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  dataStore,
		search:    search.NewService(nil, dataStore, logger),
		passwords: authpw.NewService(dataStore, cfg.BcryptCost),
		signer: presign.Signer{
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Region:          presign.DefaultRegion,
			Service:         presign.DefaultService,
			Host:            cfg.R2Host(),
			Bucket:          cfg.R2Bucket,
			Scheme:          scheme,
		},
		uploads: presign.Policy{AllowedMIME: cfg.AllowedMIME, MaxBytes: cfg.UploadMaxBytes},
		log:     logger,
		now:     time.Now,
	}
}

// NewWithSessionStore keeps sessions outside the primary database (Redis).
func NewWithSessionStore(cfg config.Config, dataStore dataStore, sessions sessionStore, logger *slog.Logger) *Service {
	s := New(cfg, dataStore, logger)
	s.sessions = sessions
	return s
}

func (s *Service) UseObjectStore(objects objectStorage) {
	s.objects = objects
}

func (s *Service) UseOverviewCache(cache overviewCache) {
	s.overview = cache
}

func (s *Service) UseSearch(svc *search.Service) {
	s.search = svc
}

// Reindex pushes all entries and users to the search index.
func (s *Service) Reindex(ctx context.Context) {
	s.search.Reindex(ctx, s.store)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionTTL() time.Duration {
	return s.cfg.SessionTTL
}

func (s *Service) SignUp(ctx context.Context, username, password, nickname string, meta ClientMeta) (store.User, Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Username: username,
		Password: password,
		Nickname: nickname,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUsernameTaken):
			return store.User{}, Session{}, domainError(http.StatusConflict, "USERNAME_TAKEN", "Username is already taken", nil)
		case errors.Is(err, store.ErrNicknameTaken):
			return store.User{}, Session{}, domainError(http.StatusConflict, "NICKNAME_TAKEN", "Nickname is already taken", nil)
		case errors.Is(err, authpw.ErrInvalidUsername),
			errors.Is(err, authpw.ErrInvalidPassword),
			errors.Is(err, authpw.ErrInvalidNickname):
			return store.User{}, Session{}, validationError(err.Error())
		}
		return store.User{}, Session{}, err
	}

	session, err := s.createSession(ctx, user.ID, meta)
	if err != nil {
		return store.User{}, Session{}, err
	}
	s.search.IndexUser(search.UserRecordFrom(user))
	return user, session, nil
}

// Login answers every credential failure with the same error.
func (s *Service) Login(ctx context.Context, username, password string, meta ClientMeta) (store.User, Session, error) {
	user, err := s.passwords.Login(ctx, username, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return store.User{}, Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
		}
		return store.User{}, Session{}, err
	}
	session, err := s.createSession(ctx, user.ID, meta)
	if err != nil {
		return store.User{}, Session{}, err
	}
	return user, session, nil
}

func (s *Service) createSession(ctx context.Context, userID string, meta ClientMeta) (Session, error) {
	token, err := auth.NewToken()
	if err != nil {
		return Session{}, err
	}
	now := s.now()
	if err := s.sessions.CreateSession(ctx, store.Session{
		ID:        auth.HashToken(token),
		UserID:    userID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
		LastSeen:  now,
	}); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return Session{Token: token, UserID: userID, CreatedAt: now, ExpiresAt: now.Add(s.cfg.SessionTTL)}, nil
}

// Authenticate resolves a raw session token to a user id. It returns "" for
// unknown or expired sessions and also when the lookup itself fails.
func (s *Service) Authenticate(ctx context.Context, token string) string {
	if token == "" {
		return ""
	}
	now := s.now()
	hash := auth.HashToken(token)
	sess, err := s.sessions.LookupSession(ctx, hash, now.Add(-s.cfg.SessionTTL))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.WarnContext(ctx, "session lookup failed", "error", err)
		}
		return ""
	}
	if err := s.sessions.TouchSession(ctx, hash, now); err != nil {
		s.log.WarnContext(ctx, "session touch failed", "user_id", sess.UserID, "error", err)
	}
	return sess.UserID
}

func (s *Service) Logout(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := s.sessions.DeleteSession(ctx, auth.HashToken(token)); err != nil {
		s.log.WarnContext(ctx, "session delete failed", "error", err)
	}
}

// SessionUser returns the logged-in user for /api/auth/session.
func (s *Service) SessionUser(ctx context.Context, userID string) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, notFoundError("User")
	}
	return user, err
}
