// Package authpw provides username/password authentication.
package authpw

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"weeklydiary/api/internal/store"
	"weeklydiary/api/internal/util"
)

var (
	ErrInvalidUsername    = errors.New("username must be 4-32 characters of letters, digits, '.', '_' or '-'")
	ErrInvalidPassword    = errors.New("password must be 6-128 characters")
	ErrInvalidNickname    = errors.New("nickname must be 1-24 characters")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

const (
	minPasswordLen = 6
	maxPasswordLen = 128
	MaxNicknameLen = 24
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{4,32}$`)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
}

// Service provides username/password authentication
type Service struct {
	store UserStore
	cost  int

	dummyOnce sync.Once
	dummyHash []byte
}

func NewService(store UserStore, cost int) *Service {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: store, cost: cost}
}

type SignUpRequest struct {
	Username string
	Password string
	Nickname string
}

// SignUp validates and stores a new account. Duplicate usernames and
// nicknames surface as store.ErrUsernameTaken and store.ErrNicknameTaken.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	username := strings.TrimSpace(req.Username)
	if err := ValidateUsername(username); err != nil {
		return store.User{}, err
	}
	if err := ValidatePassword(req.Password); err != nil {
		return store.User{}, err
	}
	nickname := NormalizeNickname(req.Nickname)
	if req.Nickname != "" {
		if err := ValidateNickname(nickname); err != nil {
			return store.User{}, err
		}
	}

	hash, err := bcrypt.GenerateFromPassword(material(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.User{
		ID:           util.NewID(util.PrefixUser),
		Username:     username,
		PasswordHash: string(hash),
		Nickname:     nickname,
	})
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) || errors.Is(err, store.ErrNicknameTaken) {
			return store.User{}, err
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login returns ErrInvalidCredentials for both an unknown username and a
// wrong password. A missing user still pays for one bcrypt comparison.
func (s *Service) Login(ctx context.Context, username, password string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return store.User{}, fmt.Errorf("lookup user: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(s.dummy(), material(password))
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), material(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("weeklydiary-placeholder"), s.cost)
	})
	return s.dummyHash
}

// material is what bcrypt sees. bcrypt rejects inputs over 72 bytes, so
// longer passwords are reduced to their hex sha256 first.
func material(password string) []byte {
	if len(password) <= 72 {
		return []byte(password)
	}
	sum := sha256.Sum256([]byte(password))
	return []byte(hex.EncodeToString(sum[:]))
}

func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < minPasswordLen || n > maxPasswordLen {
		return ErrInvalidPassword
	}
	return nil
}

// NormalizeNickname trims and collapses runs of whitespace.
func NormalizeNickname(nickname string) string {
	return strings.Join(strings.Fields(nickname), " ")
}

func ValidateNickname(nickname string) error {
	n := utf8.RuneCountInString(nickname)
	if n < 1 || n > MaxNicknameLen {
		return ErrInvalidNickname
	}
	return nil
}
