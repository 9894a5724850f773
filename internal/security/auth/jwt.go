package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token purposes. A token minted for one purpose never validates for another.
const (
	PurposeSession = "session"
	PurposeReset   = "password_reset"
)

var ErrWrongPurpose = errors.New("token purpose mismatch")

type Claims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Purpose   string `json:"purpose"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secret string
	issuer string
	now    func() time.Time
}

func NewTokenManager(secret, issuer string) *TokenManager {
	if secret == "" {
		secret = "change-me-in-production"
	}
	if issuer == "" {
		issuer = "accessgate"
	}
	return &TokenManager{secret: secret, issuer: issuer, now: time.Now}
}

// GenerateSessionToken mints the bearer token for a signed-in device session.
func (tm *TokenManager) GenerateSessionToken(userID, sessionID string, expiresIn time.Duration) (string, error) {
	if userID == "" || sessionID == "" {
		return "", fmt.Errorf("user_id and session_id required")
	}
	return tm.sign(Claims{UserID: userID, SessionID: sessionID, Purpose: PurposeSession}, expiresIn)
}

// GenerateResetToken mints an out-of-band password reset code.
// Each code carries a unique ID so callers can make it single-use.
func (tm *TokenManager) GenerateResetToken(userID, email string, expiresIn time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user_id required")
	}
	return tm.sign(Claims{UserID: userID, Email: email, Purpose: PurposeReset}, expiresIn)
}

func (tm *TokenManager) sign(claims Claims, expiresIn time.Duration) (string, error) {
	now := tm.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   claims.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		Issuer:    tm.issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(tm.secret))
}

// ValidateToken parses tokenString and checks it was minted for purpose.
func (tm *TokenManager) ValidateToken(tokenString, purpose string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(tm.secret), nil
	}, jwt.WithIssuer(tm.issuer), jwt.WithTimeFunc(tm.now))
	if err != nil {
		return nil, fmt.Errorf("parse token failed: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Purpose != purpose {
		return nil, ErrWrongPurpose
	}
	return claims, nil
}

func ExtractToken(authHeader string) (string, error) {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header")
	}
	return parts[1], nil
}
