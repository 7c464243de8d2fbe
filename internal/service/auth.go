package service

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// BridgeAuthService 本地HTTP桥的访问令牌，由共享密钥派生
type BridgeAuthService struct {
	expected string
}

// NewBridgeAuthService secret为空时不做校验
func NewBridgeAuthService(secret string) *BridgeAuthService {
	if secret == "" {
		return &BridgeAuthService{}
	}
	return &BridgeAuthService{expected: DeriveBridgeToken(secret)}
}

// DeriveBridgeToken 令牌为密钥的SHA256十六进制
func DeriveBridgeToken(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}

// Enabled 是否需要校验
func (a *BridgeAuthService) Enabled() bool {
	return a.expected != ""
}

// Validate 校验访问令牌
func (a *BridgeAuthService) Validate(token string) error {
	if !a.Enabled() {
		return nil
	}
	if token == "" {
		return fmt.Errorf("token不能为空")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.expected)) != 1 {
		return fmt.Errorf("token验证失败")
	}
	return nil
}
