package service

import (
	"math/rand"
	"time"
)

// Backoff 重连与消息重试共用的退避策略：
// delay = Base * min(2^(attempt-1), CapMultiplier) + [0, Jitter)
type Backoff struct {
	Base          time.Duration
	CapMultiplier int
	Jitter        time.Duration

	// Rand 返回[0,n)的随机数，测试中可替换
	Rand func(n int64) int64
}

// Delay 第attempt次重试前的等待时间，attempt从1开始
func (b Backoff) Delay(attempt int) time.Duration {
	return b.BaseDelay(attempt) + b.jitter()
}

// BaseDelay 不含抖动的等待时间，对attempt单调不减
func (b Backoff) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := int64(1)
	ceiling := int64(b.CapMultiplier)
	if ceiling < 1 {
		ceiling = 1
	}
	for i := 1; i < attempt && mult < ceiling; i++ {
		mult *= 2
	}
	if mult > ceiling {
		mult = ceiling
	}
	return b.Base * time.Duration(mult)
}

func (b Backoff) jitter() time.Duration {
	if b.Jitter <= 0 {
		return 0
	}
	r := b.Rand
	if r == nil {
		r = rand.Int63n
	}
	return time.Duration(r(int64(b.Jitter)))
}
