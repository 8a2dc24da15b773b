// ABOUTME: Session JWTs, password hashing and single-use live-channel tickets for the dev server
// ABOUTME: Sessions are HS256 tokens in the access_token cookie; tickets are uuids consumed on first use

package devserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Sessions signs and verifies HS256 session tokens whose subject is the
// user id.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

// NewSessions creates a session signer.
func NewSessions(secret []byte, ttl time.Duration) *Sessions {
	return &Sessions{secret: secret, ttl: ttl}
}

// TTL returns the lifetime of issued sessions.
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Issue signs a session for userID.
func (s *Sessions) Issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify validates a session token and returns its subject.
func (s *Sessions) Verify(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type ticket struct {
	userID    string
	expiresAt time.Time
}

// Tickets issues single-use live-channel tokens.
type Tickets struct {
	mu      sync.Mutex
	tickets map[string]ticket
	ttl     time.Duration
	now     func() time.Time
}

// NewTickets creates a ticket store whose tickets live for ttl.
func NewTickets(ttl time.Duration) *Tickets {
	return &Tickets{
		tickets: make(map[string]ticket),
		ttl:     ttl,
		now:     time.Now,
	}
}

// TTL returns the lifetime of issued tickets.
func (t *Tickets) TTL() time.Duration { return t.ttl }

// Issue returns a new ticket for userID.
func (t *Tickets) Issue(userID string) string {
	id := uuid.New().String()
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.tickets {
		if !now.Before(v.expiresAt) {
			delete(t.tickets, k)
		}
	}
	t.tickets[id] = ticket{userID: userID, expiresAt: now.Add(t.ttl)}
	return id
}

// Consume redeems a ticket. A ticket works at most once and not after it
// expires.
func (t *Tickets) Consume(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tk, ok := t.tickets[id]
	if !ok {
		return "", false
	}
	delete(t.tickets, id)
	if !t.now().Before(tk.expiresAt) {
		return "", false
	}
	return tk.userID, true
}
