package model

import "fmt"

// CodeKind 激活码时长类别
type CodeKind string

const (
	KindHourly    CodeKind = "hourly"
	KindDaily     CodeKind = "daily"
	KindWeekly    CodeKind = "weekly"
	KindMonthly   CodeKind = "monthly"
	KindQuarterly CodeKind = "quarterly"
	KindYearly    CodeKind = "yearly"
	KindPermanent CodeKind = "permanent"
	KindCustom    CodeKind = "custom"
)

var kindHours = map[CodeKind]int{
	KindHourly:    1,
	KindDaily:     24,
	KindWeekly:    24 * 7,
	KindMonthly:   24 * 30,
	KindQuarterly: 24 * 90,
	KindYearly:    24 * 365,
}

func (k CodeKind) Valid() bool {
	if k == KindPermanent || k == KindCustom {
		return true
	}
	_, ok := kindHours[k]
	return ok
}

// ResolveDuration 根据类别计算时长（小时），nil 表示永久
//
// custom 必须显式给出 hours；其它类别若给出 hours 则覆盖默认值。
func (k CodeKind) ResolveDuration(hours *int) (*int, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown code kind %q", k)
	}
	switch k {
	case KindPermanent:
		return nil, nil
	case KindCustom:
		if hours == nil || *hours <= 0 {
			return nil, fmt.Errorf("kind %q requires positive duration hours", k)
		}
		h := *hours
		return &h, nil
	}

	def := kindHours[k]
	if hours != nil {
		if *hours <= 0 {
			return nil, fmt.Errorf("duration hours must be positive, got %d", *hours)
		}
		def = *hours
	}
	return &def, nil
}
