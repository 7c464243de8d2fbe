package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Virtual 虚拟时钟调度器，只有调用Advance时时间才前进，到期任务在调用方goroutine中按时间顺序执行
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers timerHeap
}

// NewVirtual 创建从start开始的虚拟时钟
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now 返回虚拟时间
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// AfterFunc 在虚拟时间前进d之后执行fn
func (v *Virtual) AfterFunc(d time.Duration, fn func()) Timer {
	return v.schedule(d, 0, fn)
}

// Every 每隔虚拟时间d执行一次fn
func (v *Virtual) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		d = time.Nanosecond
	}
	return v.schedule(d, d, fn)
}

func (v *Virtual) schedule(d, period time.Duration, fn func()) *virtualTimer {
	if d < 0 {
		d = 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &virtualTimer{
		owner:  v,
		when:   v.now.Add(d),
		period: period,
		seq:    v.seq,
		fn:     fn,
		index:  -1,
	}
	heap.Push(&v.timers, t)
	return t
}

// Advance 时间前进d，并依次执行期间到期的任务，任务中新建的到期任务也会被执行
func (v *Virtual) Advance(d time.Duration) {
	if d < 0 {
		d = 0
	}
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.mu.Lock()
		if len(v.timers) == 0 || v.timers[0].when.After(target) {
			v.now = target
			v.mu.Unlock()
			return
		}
		t := v.timers[0]
		if t.when.After(v.now) {
			v.now = t.when
		}
		if t.period > 0 {
			t.when = t.when.Add(t.period)
			v.seq++
			t.seq = v.seq
			heap.Fix(&v.timers, t.index)
		} else {
			heap.Pop(&v.timers)
		}
		fn := t.fn
		v.mu.Unlock()

		fn()
	}
}

// Pending 尚未执行的任务数量
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}

type virtualTimer struct {
	owner  *Virtual
	when   time.Time
	period time.Duration
	seq    uint64
	fn     func()
	index  int
}

func (t *virtualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.owner.timers, t.index)
	return true
}

type timerHeap []*virtualTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*virtualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
