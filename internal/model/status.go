package model

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal status transition")

// CodeStatus 激活码状态
type CodeStatus string

const (
	CodeUnused    CodeStatus = "unused"
	CodeActive    CodeStatus = "active"
	CodeUsed      CodeStatus = "used"
	CodeExpired   CodeStatus = "expired"
	CodeSuspended CodeStatus = "suspended"
	CodeRevoked   CodeStatus = "revoked"
	CodeDisabled  CodeStatus = "disabled"
)

// CodeEvent 驱动激活码状态变化的事件
type CodeEvent string

const (
	EventBind      CodeEvent = "bind"      // 新增一个设备绑定
	EventRelease   CodeEvent = "release"   // 释放一个设备名额
	EventExpire    CodeEvent = "expire"    // 自身计时结束
	EventSuspend   CodeEvent = "suspend"   // 管理员暂停
	EventReinstate CodeEvent = "reinstate" // 解除暂停
	EventDisable   CodeEvent = "disable"   // 作废未使用的码
	EventRevoke    CodeEvent = "revoke"    // 吊销，不可逆
)

// byOccupancy 表示目标状态由 used_count / max_devices 决定
const byOccupancy CodeStatus = "~occupancy"

var codeTransitions = map[CodeStatus]map[CodeEvent]CodeStatus{
	CodeUnused: {
		EventBind:    byOccupancy,
		EventSuspend: CodeSuspended,
		EventDisable: CodeDisabled,
		EventRevoke:  CodeRevoked,
	},
	CodeActive: {
		EventBind:    byOccupancy,
		EventRelease: byOccupancy,
		EventExpire:  CodeExpired,
		EventSuspend: CodeSuspended,
		EventRevoke:  CodeRevoked,
	},
	CodeUsed: {
		EventRelease: byOccupancy,
		EventExpire:  CodeExpired,
		EventSuspend: CodeSuspended,
		EventRevoke:  CodeRevoked,
	},
	CodeSuspended: {
		EventReinstate: byOccupancy,
		EventRevoke:    CodeRevoked,
	},
	CodeExpired: {
		EventRevoke: CodeRevoked,
	},
	CodeDisabled: {
		EventRevoke: CodeRevoked,
	},
	CodeRevoked: {},
}

// Redeemable 只有 unused / active 状态可以被兑换
func (s CodeStatus) Redeemable() bool {
	return s == CodeUnused || s == CodeActive
}

func (s CodeStatus) Valid() bool {
	_, ok := codeTransitions[s]
	return ok
}

// CanFire 判断事件在当前状态下是否合法
func (s CodeStatus) CanFire(e CodeEvent) bool {
	_, ok := codeTransitions[s][e]
	return ok
}

// BindingStatus 设备绑定状态
type BindingStatus string

const (
	BindingActive  BindingStatus = "active"
	BindingExpired BindingStatus = "expired"
	BindingRevoked BindingStatus = "revoked"
	BindingUnbound BindingStatus = "unbound"
)

var bindingTransitions = map[BindingStatus]map[CodeEvent]BindingStatus{
	BindingActive: {
		EventExpire:  BindingExpired,
		EventRevoke:  BindingRevoked,
		EventRelease: BindingUnbound,
	},
	BindingUnbound: {
		EventBind:   BindingActive,
		EventRevoke: BindingRevoked,
	},
	BindingExpired: {},
	BindingRevoked: {},
}

// MembershipStatus 会员状态
type MembershipStatus string

const (
	MembershipInactive MembershipStatus = "inactive"
	MembershipActive   MembershipStatus = "active"
	MembershipExpired  MembershipStatus = "expired"
)

var membershipTransitions = map[MembershipStatus]map[CodeEvent]MembershipStatus{
	MembershipInactive: {EventBind: MembershipActive},
	MembershipActive:   {EventBind: MembershipActive, EventExpire: MembershipExpired},
	MembershipExpired:  {EventBind: MembershipActive},
}

func illegal(entity string, from any, e CodeEvent) error {
	return fmt.Errorf("%w: %s %v on %s", ErrIllegalTransition, entity, from, e)
}
