// Package auth implements password login with JWT access tokens,
// Redis-backed refresh tokens and login lockouts.
package auth

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/gridnest/gridnest/internal/apperr"
	"github.com/gridnest/gridnest/internal/store"
)

const (
	accessTTL  = 15 * time.Minute
	refreshTTL = 30 * 24 * time.Hour

	loginMaxFailures = 5
	loginLockoutTTL  = 15 * time.Minute
)

type Claims struct {
	UserID uint   `json:"uid"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func (c *Claims) IsAdmin() bool { return c.Role == "admin" }

type Service struct {
	repo   *store.Repo
	rdb    *redis.Client
	secret []byte
}

func New(repo *store.Repo, rdb *redis.Client, secret string) *Service {
	return &Service{repo: repo, rdb: rdb, secret: []byte(secret)}
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Register creates a user. The very first account becomes admin so a
// fresh install can bootstrap itself.
func (s *Service) Register(ctx context.Context, email, password string) (*store.User, error) {
	if email == "" || len(password) < 8 {
		return nil, apperr.New(apperr.ValidationError, "email and a password of at least 8 characters are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "password hash failed", err)
	}
	role := "user"
	if _, err := s.repo.GetUserByEmail(ctx, email); err == nil {
		return nil, apperr.New(apperr.Conflict, "email already registered")
	}
	if count, err := s.repo.CountUsers(ctx); err == nil && count == 0 {
		role = "admin"
	}
	u := &store.User{Email: email, PasswordHash: string(hash), Role: role}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, apperr.Wrap(apperr.Conflict, "email already registered", err)
	}
	slog.Info("user registered", "user_id", u.ID, "role", role)
	return u, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	lockKey := "login_lockout:" + email
	failKey := "login_failures:" + email
	if s.rdb != nil {
		if exists, _ := s.rdb.Exists(ctx, lockKey).Result(); exists == 1 {
			return nil, apperr.New(apperr.AuthFailed, "account temporarily locked")
		}
	}
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		if s.rdb != nil {
			count, err := s.rdb.Incr(ctx, failKey).Result()
			if err == nil {
				s.rdb.Expire(ctx, failKey, loginLockoutTTL)
				if count >= loginMaxFailures {
					_ = s.rdb.Set(ctx, lockKey, "1", loginLockoutTTL).Err()
				}
			}
		}
		return nil, apperr.New(apperr.AuthFailed, "invalid credentials")
	}
	if s.rdb != nil {
		s.rdb.Del(ctx, failKey)
	}
	return s.issue(ctx, u)
}

// Refresh rotates a refresh token: the presented token is consumed and a
// fresh pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	key := "refresh:" + refreshToken
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return nil, apperr.New(apperr.AuthFailed, "invalid refresh token")
	}
	s.rdb.Del(ctx, key)
	id, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return nil, apperr.New(apperr.AuthFailed, "invalid refresh token")
	}
	u, err := s.repo.GetUser(ctx, uint(id))
	if err != nil {
		return nil, apperr.New(apperr.AuthFailed, "user no longer exists")
	}
	return s.issue(ctx, u)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) {
	if s.rdb != nil && refreshToken != "" {
		s.rdb.Del(ctx, "refresh:"+refreshToken)
	}
}

func (s *Service) issue(ctx context.Context, u *store.User) (*TokenPair, error) {
	now := time.Now().UTC()
	claims := &Claims{
		UserID: u.ID,
		Email:  u.Email,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(u.ID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "token signing failed", err)
	}
	refresh := uuid.NewString()
	if s.rdb != nil {
		if err := s.rdb.Set(ctx, "refresh:"+refresh, strconv.FormatUint(uint64(u.ID), 10), refreshTTL).Err(); err != nil {
			return nil, apperr.Wrap(apperr.UpstreamUnavailable, "refresh token store failed", err)
		}
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(accessTTL.Seconds()),
	}, nil
}

// Parse validates an access token and returns its claims.
func (s *Service) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.New(apperr.AuthFailed, "unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.New(apperr.AuthFailed, "invalid token")
	}
	return claims, nil
}

func (s *Service) Me(ctx context.Context, userID uint) (*store.User, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "user not found", err)
	}
	return u, nil
}
