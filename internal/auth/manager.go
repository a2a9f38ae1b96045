// Package auth implements user accounts for the dashboard: registration,
// login with signed tokens, password changes and role management, backed
// by a JSON user file.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// TokenTTL is how long issued tokens stay valid. There is no revocation
// list: a changed password or demoted role does not invalidate tokens
// already issued, which is why privileged actions re-check the stored role.
const TokenTTL = 24 * time.Hour

var (
	// ErrUserExists is returned when registering a duplicate username
	ErrUserExists = errors.New("username already exists")
	// ErrInvalidCredentials is returned on a failed login
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when a user id does not exist
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidToken is returned for unverifiable or expired tokens
	ErrInvalidToken = errors.New("invalid token")
	// ErrWrongPassword is returned when the current password check fails
	ErrWrongPassword = errors.New("current password is incorrect")
	// ErrInvalidRole is returned when a role update names an unknown role
	ErrInvalidRole = errors.New("invalid role")
)

// Claims are the token claims carried by issued JWTs
type Claims struct {
	UserID   string       `json:"userId"`
	Username string       `json:"username"`
	Role     api.UserRole `json:"role"`
	jwt.RegisteredClaims
}

// Manager owns the user store and token issuance
type Manager struct {
	dataFile string
	secret   []byte
	logger   *logrus.Logger

	mu    sync.RWMutex
	users map[string]*api.User
}

// NewManager loads the user store from dataFile. A missing or malformed
// file starts empty.
func NewManager(dataFile, secret string, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if secret == "" {
		return nil, fmt.Errorf("auth secret must not be empty")
	}

	if err := os.MkdirAll(filepath.Dir(dataFile), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	m := &Manager{
		dataFile: dataFile,
		secret:   []byte(secret),
		logger:   logger,
		users:    make(map[string]*api.User),
	}

	data, err := os.ReadFile(dataFile)
	if err == nil {
		var users []storedUser
		if jsonErr := json.Unmarshal(data, &users); jsonErr == nil {
			for _, u := range users {
				m.users[u.ID] = u.toUser()
			}
		} else {
			logger.WithError(jsonErr).Warn("Malformed user file, starting empty")
		}
	}

	return m, nil
}

// storedUser is the on-disk shape; unlike the API type it carries the hash
type storedUser struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	PasswordHash string       `json:"password"`
	Role         api.UserRole `json:"role"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

func (s storedUser) toUser() *api.User {
	return &api.User{
		ID:           s.ID,
		Username:     s.Username,
		PasswordHash: s.PasswordHash,
		Role:         s.Role,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// Register creates a new user. Duplicate usernames are rejected.
func (m *Manager) Register(username, password string, role api.UserRole) (*api.User, error) {
	if role == "" {
		role = api.RoleUser
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == username {
			return nil, ErrUserExists
		}
	}

	now := time.Now()
	user := &api.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[user.ID] = user

	if err := m.saveLocked(); err != nil {
		delete(m.users, user.ID)
		return nil, err
	}

	m.logger.WithField("username", username).Info("User registered")
	out := *user
	return &out, nil
}

// Login verifies credentials and issues a signed token
func (m *Manager) Login(username, password string) (string, *api.User, error) {
	m.mu.RLock()
	var user *api.User
	for _, u := range m.users {
		if u.Username == username {
			user = u
			break
		}
	}
	m.mu.RUnlock()

	if user == nil {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	now := time.Now()
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	out := *user
	return token, &out, nil
}

// VerifyToken checks the signature and expiry of a token and returns its
// claims. It does not consult the user store; see CurrentRole for that.
func (m *Manager) VerifyToken(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CurrentRole returns the role currently persisted for the user. Privileged
// handlers call this instead of trusting the token's role claim, so a
// demoted admin's still-valid token fails closed.
func (m *Manager) CurrentRole(userID string) (api.UserRole, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return "", ErrUserNotFound
	}
	return u.Role, nil
}

// ChangePassword replaces a user's password after re-verifying the current
// one.
func (m *Manager) ChangePassword(userID, currentPassword, newPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(currentPassword)); err != nil {
		return ErrWrongPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	u.UpdatedAt = time.Now()

	return m.saveLocked()
}

// UpdateRole changes a user's role
func (m *Manager) UpdateRole(userID string, role api.UserRole) (*api.User, error) {
	if role != api.RoleUser && role != api.RoleAdmin {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	u.Role = role
	u.UpdatedAt = time.Now()

	if err := m.saveLocked(); err != nil {
		return nil, err
	}

	out := *u
	return &out, nil
}

// EnsureDefaultAdmin seeds the admin account on first run
func (m *Manager) EnsureDefaultAdmin(username, password string) error {
	_, err := m.Register(username, password, api.RoleAdmin)
	if errors.Is(err, ErrUserExists) {
		m.logger.WithField("username", username).Info("Admin user already exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create default admin: %w", err)
	}
	m.logger.WithField("username", username).Info("Default admin user created")
	return nil
}

func (m *Manager) saveLocked() error {
	users := make([]storedUser, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, storedUser{
			ID:           u.ID,
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Role:         u.Role,
			CreatedAt:    u.CreatedAt,
			UpdatedAt:    u.UpdatedAt,
		})
	}

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal users: %w", err)
	}
	if err := os.WriteFile(m.dataFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write user file: %w", err)
	}
	return nil
}
