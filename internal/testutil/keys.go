package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/qs3c/license_go_server/config"
	"github.com/qs3c/license_go_server/internal/pkg/license"
)

// TestSigner 生成一次性 Ed25519 签名器
func TestSigner(t *testing.T) *license.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate signing key: %v", err)
	}
	signer, err := license.NewSigner(priv, "test-issuer")
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}
	return signer
}

// TestConfig 填充默认值的配置，按需覆盖字段
func TestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.ApplyDefaults()
	return cfg
}
