package scan

import (
	"sync"
)

// ProgressEvent is emitted after every captured frame.
type ProgressEvent struct {
	FrameNumber int     `json:"frame_number"` // 0 based
	TotalFrames int     `json:"total_frames"`
	ImagePath   string  `json:"image_path"`
	Position    float64 `json:"position"`
}

// broker fans values out to subscribers. Subscribers are called outside the
// lock, in subscription order.
type broker[T any] struct {
	mx   sync.Mutex
	next int
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

func (b *broker[T]) subscribe(fn func(T)) func() {
	b.mx.Lock()
	defer b.mx.Unlock()
	id := b.next
	b.next++
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	return sync.OnceFunc(func() {
		b.mx.Lock()
		defer b.mx.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	})
}

func (b *broker[T]) publish(v T) {
	b.mx.Lock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mx.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}
