package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims 连接令牌中的声明
type TokenClaims struct {
	UserID    string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenService 签发开发用令牌，并在拨号前检查令牌
type TokenService struct {
	secret     string
	expiration time.Duration
	now        func() time.Time
}

// NewTokenService secret为空时只能Inspect，不能Generate和Validate
func NewTokenService(secret string, expiration time.Duration) *TokenService {
	return &TokenService{
		secret:     secret,
		expiration: expiration,
		now:        time.Now,
	}
}

// GenerateToken 生成HS256令牌
func (j *TokenService) GenerateToken(userID, sessionID string) (string, error) {
	if j.secret == "" {
		return "", fmt.Errorf("未配置jwt.secret")
	}
	now := j.now()
	claims := jwt.MapClaims{
		"user_id":    userID,
		"session_id": sessionID,
		"iat":        now.Unix(),
		"exp":        now.Add(j.expiration).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(j.secret))
}

// ValidateToken 校验签名和有效期
func (j *TokenService) ValidateToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("不支持的签名算法: %v", token.Header["alg"])
		}
		return []byte(j.secret), nil
	}, jwt.WithTimeFunc(j.now))
	if err != nil {
		return nil, fmt.Errorf("token解析失败: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token无效")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("claims解析失败")
	}
	return toTokenClaims(claims)
}

// Inspect 不校验签名，只读取声明。客户端拿不到服务端密钥，用于拨号前发现已过期的令牌
func (j *TokenService) Inspect(tokenString string) (*TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("token解析失败: %w", err)
	}
	tc, err := toTokenClaims(claims)
	if err != nil {
		return nil, err
	}
	if !tc.ExpiresAt.IsZero() && !j.now().Before(tc.ExpiresAt) {
		return tc, fmt.Errorf("token已过期")
	}
	return tc, nil
}

func toTokenClaims(claims jwt.MapClaims) (*TokenClaims, error) {
	tc := &TokenClaims{}
	if userID, ok := claims["user_id"].(string); ok {
		tc.UserID = userID
	} else if sub, err := claims.GetSubject(); err == nil {
		tc.UserID = sub
	}
	if sessionID, ok := claims["session_id"].(string); ok {
		tc.SessionID = sessionID
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		tc.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tc.ExpiresAt = exp.Time
	}
	if tc.UserID == "" {
		return nil, fmt.Errorf("token中缺少user_id")
	}
	return tc, nil
}
