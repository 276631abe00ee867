package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/openvolt/gridex/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthService handles trader registration and authentication
type AuthService struct {
	Store  store.UserStore
	secret []byte
}

// NewAuthService creates a new auth service
func NewAuthService(st store.UserStore, jwtSecret string) *AuthService {
	return &AuthService{Store: st, secret: []byte(jwtSecret)}
}

// Register creates a new trader with hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	if len(username) > 50 {
		return "", fmt.Errorf("username too long (max 50 characters)")
	}
	if len(password) > 100 {
		return "", fmt.Errorf("password too long (max 100 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	user, err := s.Store.CreateUser(ctx, username, string(hashedPassword))
	if err != nil {
		return "", fmt.Errorf("failed to create user: %w", err)
	}
	return user.Username, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.Store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"trader": user.Username,
		"exp":    time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// TraderFromToken extracts the trader identifier from a JWT
func (s *AuthService) TraderFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		trader, ok := claims["trader"].(string)
		if !ok || trader == "" {
			return "", fmt.Errorf("token missing trader claim")
		}
		return trader, nil
	}
	return "", fmt.Errorf("invalid token")
}
