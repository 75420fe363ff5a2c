package auth

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Token purposes. User session tokens carry no purpose.
const (
	PurposeProvision = "agent-provision"
	PurposeAgent     = "agent"
)

var ErrWrongPurpose = errors.New("token not valid for this use")

type Claims struct {
	UserID   string `json:"sub"`
	Purpose  string `json:"purpose,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: "desklink",
	}
}

func CreateToken(userID string, cfg TokenConfig) (string, error) {
	return CreatePurposeToken(userID, "", "", cfg.Expiry, cfg)
}

// CreatePurposeToken signs a token restricted to purpose, optionally bound to
// a device, valid for ttl.
func CreatePurposeToken(userID, purpose, deviceID string, ttl time.Duration, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if userID == "" {
		return "", errors.New("missing userID")
	}
	if ttl <= 0 {
		return "", errors.New("invalid expiry")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}
	jti := hex.EncodeToString(jtiBytes)

	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Purpose:  purpose,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// VerifyPurpose verifies the token and requires the given purpose ("" for a
// user session token).
func VerifyPurpose(tokenString, purpose string, cfg TokenConfig) (*Claims, error) {
	claims, err := VerifyToken(tokenString, cfg)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != purpose {
		return nil, ErrWrongPurpose
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
