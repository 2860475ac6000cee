// Package auth issues and validates the bearer tokens guarding the API
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/findosh/harvest/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid client name or secret")
	ErrClientExists       = errors.New("client already registered")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

const minSecretLength = 16

// ClientStore persists API clients
type ClientStore interface {
	CreateClient(ctx context.Context, c *models.APIClient) error
	GetClientByName(ctx context.Context, name string) (*models.APIClient, error)
	TouchClient(ctx context.Context, id string, at time.Time) error
}

// Claims identify the caller of a request
type Claims struct {
	Subject   string    `json:"sub"`
	ExpiresAt time.Time `json:"exp"`
}

// Token is an issued bearer token
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Service handles authentication operations
type Service struct {
	secret  []byte
	ttl     time.Duration
	clients ClientStore
	now     func() time.Time
}

// NewService creates a new auth service signing HS256 tokens with secret
func NewService(secret string, ttl time.Duration, clients ClientStore) *Service {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Service{
		secret:  []byte(secret),
		ttl:     ttl,
		clients: clients,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RegisterClient stores a new client with a bcrypt-hashed secret
func (s *Service) RegisterClient(ctx context.Context, name, secret string) (*models.APIClient, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &models.ValidationError{Field: "name", Reason: "is required"}
	}
	if len(secret) < minSecretLength {
		return nil, &models.ValidationError{Field: "secret", Reason: fmt.Sprintf("must be at least %d characters", minSecretLength)}
	}

	existing, err := s.clients.GetClientByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check client: %w", err)
	}
	if existing != nil {
		return nil, ErrClientExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}

	client := models.NewAPIClient(name, string(hash))
	if err := s.clients.CreateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

// Authenticate exchanges client credentials for a bearer token
func (s *Service) Authenticate(ctx context.Context, name, secret string) (*Token, error) {
	client, err := s.clients.GetClientByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("failed to find client: %w", err)
	}
	if client == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidCredentials
	}

	_ = s.clients.TouchClient(ctx, client.ID.String(), s.now())
	return s.Issue(client.Name)
}

// Issue signs a token for subject
func (s *Service) Issue(subject string) (*Token, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": exp.Unix(),
		"iat": now.Unix(),
		"jti": generateJTI(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{AccessToken: signed, TokenType: "Bearer", ExpiresAt: exp}, nil
}

// Validate verifies a token and returns its claims
func (s *Service) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrInvalidToken
	}
	return &Claims{Subject: sub, ExpiresAt: exp.Time.UTC()}, nil
}

func generateJTI() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// MemoryClients is an in-memory ClientStore
type MemoryClients struct {
	mu      sync.RWMutex
	clients map[string]*models.APIClient
}

// NewMemoryClients creates an empty store
func NewMemoryClients() *MemoryClients {
	return &MemoryClients{clients: make(map[string]*models.APIClient)}
}

// CreateClient implements ClientStore
func (m *MemoryClients) CreateClient(_ context.Context, c *models.APIClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.Name]; ok {
		return ErrClientExists
	}
	cp := *c
	m.clients[c.Name] = &cp
	return nil
}

// GetClientByName implements ClientStore
func (m *MemoryClients) GetClientByName(_ context.Context, name string) (*models.APIClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// TouchClient implements ClientStore
func (m *MemoryClients) TouchClient(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.ID.String() == id {
			t := at
			c.LastUsedAt = &t
		}
	}
	return nil
}
