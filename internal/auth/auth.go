package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ImThienz/BlockChain/internal/models"
)

// ErrInvalidCredentials is returned for unknown identities, identities
// without a provisioned role, and wrong passphrases alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credential is one pre-provisioned login. There is no self-service
// registration; the account list is fixed at startup.
type Credential struct {
	Identity       string
	Role           models.Role
	PassphraseHash string // bcrypt
}

// Service verifies passphrases against the provisioned credentials and
// issues JWTs carrying the identity and its role.
type Service struct {
	credentials map[string]Credential
	secret      []byte
	tokenTTL    time.Duration
}

// NewService creates an auth service. Credentials without a role are
// skipped: unset identities cannot authenticate.
func NewService(credentials []Credential, secret string) *Service {
	m := make(map[string]Credential, len(credentials))
	for _, c := range credentials {
		if c.Role == models.RoleUnset {
			continue
		}
		m[c.Identity] = c
	}
	return &Service{
		credentials: m,
		secret:      []byte(secret),
		tokenTTL:    24 * time.Hour,
	}
}

// Login verifies the passphrase and returns a signed token plus the
// identity's role for the client to gate its views on.
func (s *Service) Login(identity, passphrase string) (string, models.Role, error) {
	cred, ok := s.credentials[identity]
	if !ok {
		return "", models.RoleUnset, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PassphraseHash), []byte(passphrase)); err != nil {
		return "", models.RoleUnset, ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"identity": cred.Identity,
		"role":     string(cred.Role),
		"exp":      time.Now().Add(s.tokenTTL).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", models.RoleUnset, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, cred.Role, nil
}

// IdentityFromToken validates the token and extracts the identity it was
// issued for.
func (s *Service) IdentityFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidCredentials
	}
	identity, ok := claims["identity"].(string)
	if !ok || identity == "" {
		return "", ErrInvalidCredentials
	}
	return identity, nil
}
