package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/todoshell/internal/model"
)

// ErrNoExpiry はアクセストークンにexpクレームがない場合のエラー。
var ErrNoExpiry = errors.New("access token has no exp claim")

// tokenClaims はアクセストークンから読み取るクレーム。
// 署名はリモートサービスが検証するため、ここでは検証しない。
func tokenClaims(accessToken string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}
	return claims, nil
}

// ExpiryFromToken はアクセストークンのexpクレームから有効期限を返す。
func ExpiryFromToken(accessToken string) (time.Time, error) {
	claims, err := tokenClaims(accessToken)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// normalize はレスポンスに含まれなかった値をアクセストークンから補完した新しいスナップショットを返す。
// 有効期限が読み取れない場合はゼロ値のままにし、期限切れとして扱う。
func normalize(s *model.Session) *model.Session {
	cp := *s
	if !cp.ExpiresAt.IsZero() && cp.User.ID != "" {
		return &cp
	}
	claims, err := tokenClaims(cp.AccessToken)
	if err != nil {
		return &cp
	}
	if cp.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
		cp.ExpiresAt = claims.ExpiresAt.Time
	}
	if cp.User.ID == "" {
		cp.User.ID = claims.Subject
	}
	return &cp
}
