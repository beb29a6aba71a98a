// Package license 签发与校验离线可验证的许可证
//
// 许可证采用 JWS 紧凑格式（header.payload.signature），签名段可以单独剥离，
// 载荷包含 {deviceId, code, kind, identity, issuedAt, expiresAt}。
// 已签发的许可证无法感知吊销，需要吊销感知的调用方应再做一次在线校验。
package license

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrUnsupportedKey = errors.New("unsupported key type")
	ErrBadSignature   = errors.New("license signature invalid")
	ErrDeviceMismatch = errors.New("license issued to a different device")
	ErrExpired        = errors.New("license expired")
)

// Payload 许可证载荷
type Payload struct {
	DeviceID    string
	Code        string
	Kind        string
	Identity    string
	ServiceType string
	IssuedAt    time.Time
	ExpiresAt   *time.Time // nil 表示永久
}

// Claims JWT 声明
type Claims struct {
	DeviceID    string `json:"did"`
	Code        string `json:"code"`
	Kind        string `json:"kind"`
	ServiceType string `json:"svc,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) payload() *Payload {
	p := &Payload{
		DeviceID:    c.DeviceID,
		Code:        c.Code,
		Kind:        c.Kind,
		Identity:    c.Subject,
		ServiceType: c.ServiceType,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		exp := c.ExpiresAt.Time
		p.ExpiresAt = &exp
	}
	return p
}

// Signer 持有私钥，进程启动时加载一次，只读
type Signer struct {
	key    crypto.Signer
	method jwt.SigningMethod
	issuer string
}

func NewSigner(key crypto.Signer, issuer string) (*Signer, error) {
	method, err := methodFor(key.Public())
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, method: method, issuer: issuer}, nil
}

// Sign 生成签名后的许可证
func (s *Signer) Sign(p Payload) (string, error) {
	claims := Claims{
		DeviceID:    p.DeviceID,
		Code:        p.Code,
		Kind:        p.Kind,
		ServiceType: p.ServiceType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Issuer:   s.issuer,
			Subject:  p.Identity,
			IssuedAt: jwt.NewNumericDate(p.IssuedAt),
		},
	}
	if p.ExpiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*p.ExpiresAt)
	}

	token := jwt.NewWithClaims(s.method, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign license: %w", err)
	}
	return signed, nil
}

func (s *Signer) PublicKey() crypto.PublicKey {
	return s.key.Public()
}

// Verifier 返回与私钥配对的校验器
func (s *Signer) Verifier() *Verifier {
	return &Verifier{key: s.key.Public(), method: s.method, issuer: s.issuer}
}

// Verifier 只持有公钥，可以分发给进程外的校验方
type Verifier struct {
	key    crypto.PublicKey
	method jwt.SigningMethod
	issuer string
}

func NewVerifier(pub crypto.PublicKey, issuer string) (*Verifier, error) {
	method, err := methodFor(pub)
	if err != nil {
		return nil, err
	}
	return &Verifier{key: pub, method: method, issuer: issuer}, nil
}

// Verify 依次校验签名、设备、有效期
//
// 设备不匹配或已过期时同时返回解析出的载荷，便于调用方展示。
func (v *Verifier) Verify(token, deviceID string, now time.Time) (*Payload, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrBadSignature, claims.Issuer)
	}

	payload := claims.payload()
	if claims.DeviceID != deviceID {
		return payload, ErrDeviceMismatch
	}
	if payload.ExpiresAt != nil && !now.Before(*payload.ExpiresAt) {
		return payload, ErrExpired
	}
	return payload, nil
}

func methodFor(pub crypto.PublicKey) (jwt.SigningMethod, error) {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return jwt.SigningMethodEdDSA, nil
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: ecdsa curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
		}
		return jwt.SigningMethodES256, nil
	case *rsa.PublicKey:
		return jwt.SigningMethodRS256, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}
