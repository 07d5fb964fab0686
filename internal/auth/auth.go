// Package auth provides authentication for the gateway.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/wirechat/wirechat/internal/config"
	"github.com/wirechat/wirechat/internal/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims issued by the builtin provider.
type Claims struct {
	UserID       string `json:"uid"`
	Username     string `json:"usr"`
	FullName     string `json:"full_name,omitempty"`
	ProfileImage string `json:"profile_image,omitempty"`
	jwt.RegisteredClaims
}

// Service handles authentication operations for locally managed accounts.
// It implements Provider and LoginProvider.
type Service struct {
	store       store.Store
	jwtSecret   []byte
	jwtExpiry   time.Duration
	initialUser *config.InitialUser
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:       s,
		jwtSecret:   []byte(cfg.JWTSecret),
		jwtExpiry:   cfg.JWTExpiry.Duration,
		initialUser: cfg.InitialUser,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Bootstrap creates the initial user if configured and not present yet.
// This implements the Provider interface.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.initialUser == nil {
		return nil
	}

	existing, err := s.store.GetUserByUsername(ctx, s.initialUser.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.initialUser.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     s.initialUser.Username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}

	return s.store.CreateUser(ctx, user)
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(user)
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, username, password, fullName string) (*store.User, error) {
	existing, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		FullName:     fullName,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// ValidateToken validates a bearer token and returns an Identity.
// This implements the Provider interface.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:       claims.UserID,
		Username:     claims.Username,
		FullName:     claims.FullName,
		ProfileImage: claims.ProfileImage,
	}, nil
}

func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	if claims.UserID == "" {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) generateToken(user *store.User) (string, error) {
	claims := &Claims{
		UserID:       user.ID,
		Username:     user.Username,
		FullName:     user.FullName,
		ProfileImage: user.ProfileImage,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
