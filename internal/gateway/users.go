package gateway

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// User is the part of the user service response the orchestrator needs.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// UserCache remembers users known to exist.
type UserCache interface {
	Seen(ctx context.Context, userID string) (bool, error)
	Remember(ctx context.Context, userID string) error
}

// Users is the user service client.
type Users struct {
	api    *upstream
	cache  UserCache
	logger *zap.Logger
}

// NewUsers returns a user service client. cache may be nil.
func NewUsers(cfg Config, cache UserCache) *Users {
	api := newUpstream("user-service", cfg)
	return &Users{api: api, cache: cache, logger: api.cfg.Logger}
}

// GetUser returns ErrNotFound on HTTP 404 and ErrUpstream for any other failure.
func (u *Users) GetUser(ctx context.Context, userID string) (User, error) {
	if u.cache != nil {
		seen, err := u.cache.Seen(ctx, userID)
		if err != nil {
			u.logger.Warn("user cache lookup failed", zap.String("user_id", userID), zap.Error(err))
		} else if seen {
			return User{ID: userID}, nil
		}
	}

	r, err := u.api.do(ctx, request{
		method: http.MethodGet,
		path:   "/users/" + url.PathEscape(userID),
		retry:  true,
	})
	if err != nil {
		return User{}, err
	}
	var user User
	if err := u.api.decode(r, "user "+userID, &user); err != nil {
		return User{}, err
	}
	if user.ID == "" {
		user.ID = userID
	}

	if u.cache != nil {
		if err := u.cache.Remember(ctx, userID); err != nil {
			u.logger.Warn("user cache store failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return user, nil
}
