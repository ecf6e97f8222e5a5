package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"weeklydiary/api/internal/authpw"
	"weeklydiary/api/internal/search"
	"weeklydiary/api/internal/store"
	"weeklydiary/api/internal/util"
)

const maxBioRunes = 160

type UserView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Nickname  *string   `json:"nickname"`
	AvatarURL string    `json:"avatarUrl"`
	Bio       string    `json:"bio"`
	CreatedAt time.Time `json:"createdAt"`
}

type RelationView struct {
	Status      string `json:"status"`
	RequesterID string `json:"requesterId"`
	AddresseeID string `json:"addresseeId"`
}

type ProfileView struct {
	User     UserView      `json:"user"`
	Relation *RelationView `json:"relation"`
}

func userView(u store.User) UserView {
	view := UserView{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL, Bio: u.Bio, CreatedAt: u.CreatedAt}
	if u.Nickname != "" {
		nickname := u.Nickname
		view.Nickname = &nickname
	}
	return view
}

func (s *Service) indexUser(u store.User) {
	s.search.IndexUser(search.UserRecordFrom(u))
}

func (s *Service) Me(ctx context.Context, userID string) (UserView, error) {
	user, err := s.SessionUser(ctx, userID)
	if err != nil {
		return UserView{}, err
	}
	return userView(user), nil
}

func normalizeBio(bio string) (string, error) {
	bio = strings.TrimSpace(bio)
	if utf8.RuneCountInString(bio) > maxBioRunes {
		return "", domainError(http.StatusBadRequest, "BIO_TOO_LONG", "bio must be at most 160 characters", nil)
	}
	return bio, nil
}

func normalizeNickname(nickname string) (string, error) {
	nickname = authpw.NormalizeNickname(nickname)
	if err := authpw.ValidateNickname(nickname); err != nil {
		return "", validationError(err.Error())
	}
	return nickname, nil
}

// UpdateProfile changes nickname and/or bio; nil leaves a field unchanged.
func (s *Service) UpdateProfile(ctx context.Context, userID string, nickname, bio *string) (UserView, error) {
	if nickname != nil {
		n, err := normalizeNickname(*nickname)
		if err != nil {
			return UserView{}, err
		}
		taken, err := s.store.NicknameExists(ctx, n, userID)
		if err != nil {
			return UserView{}, err
		}
		if taken {
			return UserView{}, domainError(http.StatusConflict, "NICKNAME_TAKEN", "Nickname is already taken", nil)
		}
		nickname = &n
	}
	if bio != nil {
		b, err := normalizeBio(*bio)
		if err != nil {
			return UserView{}, err
		}
		bio = &b
	}

	user, err := s.store.UpdateProfile(ctx, userID, nickname, bio)
	switch {
	case errors.Is(err, store.ErrNicknameTaken):
		return UserView{}, domainError(http.StatusConflict, "NICKNAME_TAKEN", "Nickname is already taken", nil)
	case errors.Is(err, store.ErrNotFound):
		return UserView{}, notFoundError("User")
	case err != nil:
		return UserView{}, err
	}
	s.indexUser(user)
	return userView(user), nil
}

// CheckNickname reports whether another user already holds nickname.
func (s *Service) CheckNickname(ctx context.Context, userID, nickname string) (bool, error) {
	nickname = authpw.NormalizeNickname(nickname)
	if nickname == "" {
		return false, nil
	}
	return s.store.NicknameExists(ctx, nickname, userID)
}

func (s *Service) SearchUsers(ctx context.Context, userID, query string) ([]search.UserHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []search.UserHit{}, nil
	}
	hits, err := s.search.SearchUsers(ctx, query, userID, searchLimit)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []search.UserHit{}
	}
	return hits, nil
}

// Profile returns another user's public profile and the friend relation
// between that user and the viewer, if any.
func (s *Service) Profile(ctx context.Context, viewerID, userID string) (ProfileView, error) {
	if !util.LooksLikeID(userID, util.PrefixUser) {
		return ProfileView{}, notFoundError("User")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ProfileView{}, notFoundError("User")
	}
	if err != nil {
		return ProfileView{}, err
	}
	view := ProfileView{User: userView(user)}
	if userID == viewerID {
		return view, nil
	}
	rel, err := s.store.GetFriendRelation(ctx, viewerID, userID)
	switch {
	case err == nil:
		view.Relation = &RelationView{Status: rel.Status, RequesterID: rel.RequesterID, AddresseeID: rel.AddresseeID}
	case !errors.Is(err, store.ErrNotFound):
		return ProfileView{}, err
	}
	return view, nil
}

// RequestFriend sends a friend request. A previously rejected pair can be
// asked again by either side.
func (s *Service) RequestFriend(ctx context.Context, userID, toUserID string) (string, error) {
	toUserID = strings.TrimSpace(toUserID)
	if toUserID == "" || toUserID == userID {
		return "", validationError("toUserId must be another user")
	}
	if _, err := s.store.GetUserByID(ctx, toUserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", notFoundError("User")
		}
		return "", err
	}

	existing, err := s.store.GetFriendRelation(ctx, userID, toUserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_, err := s.store.CreateFriendRequest(ctx, store.Friend{
			ID:          util.NewID(util.PrefixFriend),
			RequesterID: userID,
			AddresseeID: toUserID,
			Status:      store.FriendPending,
		})
		if errors.Is(err, store.ErrConflict) {
			return "", domainError(http.StatusConflict, "REQUEST_PENDING", "A friend request is already pending", nil)
		}
		if err != nil {
			return "", err
		}
		return store.FriendPending, nil
	case err != nil:
		return "", err
	}

	switch existing.Status {
	case store.FriendAccepted:
		return "", domainError(http.StatusConflict, "ALREADY_FRIENDS", "Already friends", nil)
	case store.FriendPending:
		return "", domainError(http.StatusConflict, "REQUEST_PENDING", "A friend request is already pending", nil)
	}
	if _, err := s.store.ReopenFriendRequest(ctx, existing.ID, userID, toUserID); err != nil {
		return "", err
	}
	return store.FriendPending, nil
}

// RespondFriend accepts or rejects a pending request sent by fromUserID.
func (s *Service) RespondFriend(ctx context.Context, userID, fromUserID, action string) (string, error) {
	var status string
	switch action {
	case "accept":
		status = store.FriendAccepted
	case "reject":
		status = store.FriendRejected
	default:
		return "", validationError("action must be accept or reject")
	}
	if strings.TrimSpace(fromUserID) == "" {
		return "", validationError("fromUserId is required")
	}

	rel, err := s.store.GetFriendRelation(ctx, userID, fromUserID)
	if errors.Is(err, store.ErrNotFound) {
		return "", notFoundError("Pending request")
	}
	if err != nil {
		return "", err
	}
	if rel.RequesterID != fromUserID || rel.AddresseeID != userID || rel.Status != store.FriendPending {
		return "", notFoundError("Pending request")
	}
	if _, err := s.store.UpdateFriendStatus(ctx, rel.ID, status); err != nil {
		return "", err
	}
	return status, nil
}

func (s *Service) ListFriends(ctx context.Context, userID string) ([]UserView, error) {
	users, err := s.store.ListFriends(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]UserView, 0, len(users))
	for _, u := range users {
		views = append(views, userView(u))
	}
	return views, nil
}
