// Package notify 在兑换、吊销、过期等状态变化提交后向外投递事件
//
// 投递是尽力而为的：失败只记日志，不回滚已提交的状态。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/qs3c/license_go_server/config"
)

// 事件类型
const (
	EventRedeemed  = "code.redeemed"
	EventRevoked   = "code.revoked"
	EventUnbound   = "code.unbound"
	EventExpired   = "code.expired"
	EventSuspended = "code.suspended"
)

type Event struct {
	ID          string     `json:"event_id"`
	Type        string     `json:"type"`
	Code        string     `json:"code"`
	DeviceID    string     `json:"device_id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	ServiceType string     `json:"service_type,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// NewEvent 填充 ID 和发生时间
func NewEvent(eventType, code string, at time.Time) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Code:       code,
		OccurredAt: at,
	}
}

type Notifier interface {
	Notify(ctx context.Context, event *Event) error
	Close() error
}

// NotifierFunc 便于测试和内嵌使用
type NotifierFunc func(ctx context.Context, event *Event) error

func (f NotifierFunc) Notify(ctx context.Context, event *Event) error { return f(ctx, event) }
func (f NotifierFunc) Close() error { return nil }

type Noop struct{}

func (Noop) Notify(context.Context, *Event) error { return nil }
func (Noop) Close() error { return nil }

// New 按配置创建投递器，外层包一层异步分发
func New(cfg *config.NotifyConfig, client *redis.Client, logger *slog.Logger) (Notifier, error) {
	var inner Notifier
	switch cfg.Driver {
	case "", "none":
		return Noop{}, nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("notify driver redis requires a redis client")
		}
		inner = NewQueue(client, cfg.Queue)
	case "pubsub":
		if client == nil {
			return nil, fmt.Errorf("notify driver pubsub requires a redis client")
		}
		inner = NewPublisher(client, cfg.Queue)
	case "kafka":
		k, err := NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		inner = k
	default:
		return nil, fmt.Errorf("unsupported notify driver: %s", cfg.Driver)
	}
	return NewAsync(inner, cfg.Timeout, logger), nil
}

// Async 在后台 goroutine 中投递，调用方不等待结果
type Async struct {
	inner   Notifier
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewAsync(inner Notifier, timeout time.Duration, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{inner: inner, timeout: timeout, logger: logger}
}

// Notify 与调用方的 ctx 取消解耦，只受自身超时约束
func (a *Async) Notify(ctx context.Context, event *Event) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		sendCtx := context.WithoutCancel(ctx)
		if a.timeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(sendCtx, a.timeout)
			defer cancel()
		}

		if err := a.inner.Notify(sendCtx, event); err != nil {
			a.logger.Warn("notify failed",
				"event_id", event.ID,
				"type", event.Type,
				"code", event.Code,
				"error", err,
			)
		}
	}()
	return nil
}

// Close 等待在途投递完成后关闭底层投递器
func (a *Async) Close() error {
	a.wg.Wait()
	return a.inner.Close()
}
