// Package cache 是激活码读路径的旁路缓存
//
// 缓存只保存快照，权威数据始终在数据库。写路径提交后删除相关 key，
// 缓存不可用时调用方回退到数据库，不影响正确性。
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheUnavailable = errors.New("cache unavailable")

const keyPrefix = "lic:"

// Cache 旁路缓存
type Cache interface {
	// Get 命中时把值解码到 dest 并返回 true
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

func CodeKey(code string) string {
	return keyPrefix + "code:" + code
}

func BindingKey(code, deviceID string) string {
	return keyPrefix + "binding:" + code + ":" + deviceID
}

// BindingPrefix 某个码下所有设备绑定的 key 前缀
func BindingPrefix(code string) string {
	return keyPrefix + "binding:" + code + ":"
}

func StatsKey() string {
	return keyPrefix + "stats:codes"
}

func MembershipKey(userID, serviceType string) string {
	return keyPrefix + "membership:" + userID + ":" + serviceType
}

// Noop 不缓存任何东西
type Noop struct{}

func (Noop) Get(context.Context, string, interface{}) (bool, error) { return false, nil }
func (Noop) Set(context.Context, string, interface{}, time.Duration) error { return nil }
func (Noop) Delete(context.Context, ...string) error { return nil }
func (Noop) DeletePrefix(context.Context, string) error { return nil }
