package scheduler

import (
	"sync"
	"time"
)

// Timer 可取消的定时任务
type Timer interface {
	// Stop 取消任务，任务尚未执行时返回true
	Stop() bool
}

// Scheduler 统一管理延时与周期任务：心跳、重连退避、ack超时、批量刷新
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
}

// Wall 基于系统时钟的调度器
type Wall struct{}

// NewWall 创建系统时钟调度器
func NewWall() *Wall {
	return &Wall{}
}

// Now 返回当前时间
func (Wall) Now() time.Time {
	return time.Now()
}

// AfterFunc d之后在独立goroutine中执行fn
func (Wall) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Every 每隔d执行一次fn，直到Stop
func (Wall) Every(d time.Duration, fn func()) Timer {
	t := &ticker{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.ticker.C:
				fn()
			case <-t.done:
				return
			}
		}
	}()
	return t
}

type ticker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *ticker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
		stopped = true
	})
	return stopped
}
