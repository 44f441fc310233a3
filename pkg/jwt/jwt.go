package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

const (
	// Issuer of dashboard access tokens
	Issuer = "hopeline-auth"
	// Audience accepted by the communication services
	Audience = "hopeline-comms"
)

// Claims represents JWT claims structure
type Claims struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Role          string `json:"role"` // beneficiary, driver, support_agent, admin
	Language      string `json:"language,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager handles JWT token operations
type JWTManager struct {
	secretKey           string
	accessTokenDuration time.Duration
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secretKey string, accessTokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:           secretKey,
		accessTokenDuration: accessTokenDuration,
	}
}

// GenerateAccessToken creates a new access token for a participant
func (m *JWTManager) GenerateAccessToken(participantID, name, role, language string) (string, error) {
	now := time.Now()
	claims := &Claims{
		ParticipantID: participantID,
		Name:          name,
		Role:          role,
		Language:      language,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   participantID,
			Audience:  jwt.ClaimStrings{Audience},
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken validates and parses JWT token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secretKey), nil
	}, jwt.WithAudience(Audience), jwt.WithIssuer(Issuer))

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, apperrors.ExpiredTokenError()
	}
	if err != nil {
		return nil, apperrors.InvalidTokenError(fmt.Sprintf("failed to parse token: %v", err))
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperrors.InvalidTokenError("invalid token")
	}
	if claims.ParticipantID == "" {
		claims.ParticipantID = claims.Subject
	}
	if claims.ParticipantID == "" {
		return nil, apperrors.InvalidTokenError("token has no participant")
	}

	return claims, nil
}

// ExtractParticipantID extracts the participant from a token without validation (for logging)
func ExtractParticipantID(tokenString string) (string, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}

	return claims.ParticipantID, nil
}
