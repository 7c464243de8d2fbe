package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsync/internal/config"
	"rtsync/internal/service"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MODE", "cmdtest")
	t.Setenv("RTSYNC_CONFIG_DIR", t.TempDir())

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestTokenCommand(t *testing.T) {
	out, err := execute(t, "token", "--user", "7", "--session", "s1", "--secret", "dev", "--hours", "1")
	require.NoError(t, err)

	claims, err := service.NewTokenService("dev", time.Hour).ValidateToken(out)
	require.NoError(t, err)
	assert.Equal(t, "7", claims.UserID)
	assert.Equal(t, "s1", claims.SessionID)
}

func TestTokenCommandUsesConfigSecret(t *testing.T) {
	out, err := execute(t, "token", "--user", "7")
	require.NoError(t, err)

	claims, err := service.NewTokenService(config.Default().JWT.Secret, time.Hour).ValidateToken(out)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.SessionID, "会话id随机生成")
}

func TestTokenCommandRequiresUser(t *testing.T) {
	_, err := execute(t, "token", "--secret", "dev")
	assert.Error(t, err)
}

func TestBridgeTokenCommand(t *testing.T) {
	out, err := execute(t, "bridge-token", "--secret", "shared")
	require.NoError(t, err)
	assert.Equal(t, service.DeriveBridgeToken("shared"), out)

	_, err = execute(t, "bridge-token")
	assert.Error(t, err, "未配置密钥")
}

func TestCredentialsFromTokenClaims(t *testing.T) {
	tokens := service.NewTokenService("dev", time.Hour)
	token, err := tokens.GenerateToken("7", "s1")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Auth.Token = token
	creds := credentials(cfg, tokens)
	assert.Equal(t, "7", creds.UserID)
	assert.Equal(t, "s1", creds.SessionID)

	cfg.Auth.UserID = "9"
	cfg.Auth.SessionID = "explicit"
	creds = credentials(cfg, tokens)
	assert.Equal(t, "9", creds.UserID)
	assert.Equal(t, "explicit", creds.SessionID)

	cfg = config.Default()
	creds = credentials(cfg, tokens)
	assert.NotEmpty(t, creds.SessionID)
}
