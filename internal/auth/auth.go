// Package auth 把客户端提交的 token 解析为已认证身份。
package auth

import (
	"context"
	"errors"

	apperrors "sudooom.im.livechat/internal/errors"
	"sudooom.im.livechat/internal/redis"
)

// Identity 已认证的连接身份
type Identity struct {
	UserID   string
	DeviceID string
	Platform string
}

// Authenticator 校验 token；失败时返回 ErrTokenInvalid / ErrTokenExpired 对应的 AppError
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// JWTAuthenticator 校验本地签发的 access token
type JWTAuthenticator struct {
	svc *JWTService
}

func NewJWTAuthenticator(svc *JWTService) *JWTAuthenticator {
	return &JWTAuthenticator{svc: svc}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, apperrors.ErrTokenInvalid
	}
	claims, err := a.svc.ValidateAccessToken(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, apperrors.ErrTokenExpired.Wrap(err)
		}
		return nil, apperrors.ErrTokenInvalid.Wrap(err)
	}
	return &Identity{
		UserID:   claims.UserID,
		DeviceID: claims.DeviceID,
		Platform: string(claims.Platform),
	}, nil
}

// TokenLookup 由 redis.Client 实现
type TokenLookup interface {
	GetTokenInfo(ctx context.Context, token string) (*redis.TokenInfo, error)
}

// RedisAuthenticator 通过外部登录服务写入 Redis 的 token 信息认证
type RedisAuthenticator struct {
	lookup TokenLookup
}

func NewRedisAuthenticator(lookup TokenLookup) *RedisAuthenticator {
	return &RedisAuthenticator{lookup: lookup}
}

func (a *RedisAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, apperrors.ErrTokenInvalid
	}
	info, err := a.lookup.GetTokenInfo(ctx, token)
	if err != nil {
		return nil, apperrors.ErrServerError.Wrap(err)
	}
	if info == nil || info.UserID == "" {
		return nil, apperrors.ErrTokenInvalid
	}
	return &Identity{
		UserID:   info.UserID,
		DeviceID: info.DeviceID,
		Platform: info.Platform,
	}, nil
}
