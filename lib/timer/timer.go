package timer

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// MarkPoint 一个打点记录，delta为距上一次打点的耗时
type MarkPoint struct {
	Tag   string
	Delta time.Duration
}

// XTimer 记录一次处理流程各阶段的耗时
type XTimer struct {
	mu         sync.Mutex
	bornTime   time.Time
	latestTime time.Time
	points     []MarkPoint
}

func NewXTimer() *XTimer {
	now := time.Now()
	return &XTimer{
		bornTime:   now,
		latestTime: now,
	}
}

// Mark record the time spent since the previous mark under tag
func (t *XTimer) Mark(tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.points = append(t.points, MarkPoint{Tag: tag, Delta: now.Sub(t.latestTime)})
	t.latestTime = now
}

// Total time since the timer was created
func (t *XTimer) Total() time.Duration {
	return time.Since(t.bornTime)
}

func (t *XTimer) Points() []MarkPoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]MarkPoint, len(t.points))
	copy(out, t.points)
	return out
}

// Print all points as tag:cost pairs, total cost at the end
func (t *XTimer) Print() string {
	points := t.Points()
	msg := make([]string, 0, len(points)+1)
	for _, point := range points {
		msg = append(msg, fmt.Sprintf("%s:%.2fms", point.Tag, float64(point.Delta)/float64(time.Millisecond)))
	}
	msg = append(msg, fmt.Sprintf("total:%.2fms", float64(t.Total())/float64(time.Millisecond)))
	return strings.Join(msg, ",")
}
