package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/EmmanuelVegher/HopelineDashboard-sub001/pkg/errors"
)

func TestNewJWTManager(t *testing.T) {
	secret := "test-secret-key-for-testing-purposes"
	manager := NewJWTManager(secret, 15*time.Minute)

	assert.NotNil(t, manager)
	assert.Equal(t, secret, manager.secretKey)
	assert.Equal(t, 15*time.Minute, manager.accessTokenDuration)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute)

	token, err := manager.GenerateAccessToken("driver-7", "Musa", "driver", "ha")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "driver-7", claims.ParticipantID)
	assert.Equal(t, "driver-7", claims.Subject)
	assert.Equal(t, "Musa", claims.Name)
	assert.Equal(t, "driver", claims.Role)
	assert.Equal(t, "ha", claims.Language)
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Nanosecond)

	token, err := manager.GenerateAccessToken("driver-7", "Musa", "driver", "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	claims, err := manager.ValidateToken(token)
	assert.Error(t, err)
	assert.Nil(t, claims)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-1", time.Minute).GenerateAccessToken("a", "", "admin", "")
	require.NoError(t, err)

	_, err = NewJWTManager("secret-2", time.Minute).ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	claims := &Claims{
		ParticipantID: "a",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{"some-other-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = NewJWTManager("test-secret", time.Minute).ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_RejectsNoneAlgorithm(t *testing.T) {
	claims := &Claims{
		ParticipantID: "a",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   Issuer,
			Audience: jwt.ClaimStrings{Audience},
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTManager("test-secret", time.Minute).ValidateToken(token)
	assert.Error(t, err)
}

func TestExtractParticipantID(t *testing.T) {
	token, err := NewJWTManager("test-secret", time.Minute).GenerateAccessToken("agent-3", "Ada", "support_agent", "")
	require.NoError(t, err)

	id, err := ExtractParticipantID(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-3", id)

	_, err = ExtractParticipantID("not-a-token")
	assert.Error(t, err)
}

func TestValidateToken_ErrorCodes(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Nanosecond)
	token, err := manager.GenerateAccessToken("driver-7", "Musa", "driver", "")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = manager.ValidateToken(token)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeExpiredToken))

	_, err = manager.ValidateToken("not.a.token")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidToken))
}
