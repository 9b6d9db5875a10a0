package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/kitadi/exchange/internal/models"
)

// UserStore is the persistence needed for registration and login.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	UserByUsername(ctx context.Context, username string) (*models.User, error)
}

// Service handles user authentication. It resolves the authenticated
// caller identity the trading engine requires; everything downstream only
// sees a user id.
type Service struct {
	store    UserStore
	secret   []byte
	tokenTTL time.Duration
}

// NewService creates a new auth service
func NewService(store UserStore, secret string, tokenTTL time.Duration) *Service {
	return &Service{store: store, secret: []byte(secret), tokenTTL: tokenTTL}
}

// Register creates a new user with hashed password
func (s *Service) Register(ctx context.Context, username, password string) (*models.User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", models.ErrValidation)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", models.ErrValidation)
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("%w: username too long (max 50 characters)", models.ErrValidation)
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("%w: password too long (max 100 characters)", models.ErrValidation)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, username, string(hashedPassword))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.UserByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", fmt.Errorf("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("invalid credentials")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      time.Now().Add(s.tokenTTL).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// UserFromToken extracts the user ID from a JWT
func (s *Service) UserFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}
	return int64(userID), nil
}
