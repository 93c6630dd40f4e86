package app

import (
	"sync"
	"sync/atomic"
)

// FeedMessage is one entry of the local UI feed.
type FeedMessage struct {
	Seq   uint64 `json:"seq"`
	Event Event  `json:"event"`
}

const feedSubscriberBufferSize = 64

// LocalFeed is an in-memory pub/sub for same-process display of every
// distributed event, including internal kinds.
type LocalFeed struct {
	nextSeq     atomic.Uint64
	mu          sync.RWMutex
	subscribers map[chan FeedMessage]struct{}
	closed      bool
}

// NewLocalFeed creates a new LocalFeed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{
		subscribers: make(map[chan FeedMessage]struct{}),
	}
}

// Subscribe returns a buffered channel that receives feed messages and an
// unsubscribe function. The caller must call unsubscribe when done.
func (f *LocalFeed) Subscribe() (<-chan FeedMessage, func()) {
	ch := make(chan FeedMessage, feedSubscriberBufferSize)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			f.mu.Lock()
			if _, ok := f.subscribers[ch]; ok {
				delete(f.subscribers, ch)
				close(ch)
			}
			f.mu.Unlock()
		})
	}

	return ch, unsubscribe
}

// Publish sends evt to all subscribers with a non-blocking send.
// Slow consumers that have full buffers will miss messages.
func (f *LocalFeed) Publish(evt Event) {
	msg := FeedMessage{Seq: f.nextSeq.Add(1), Event: evt}

	f.mu.RLock()
	defer f.mu.RUnlock()

	for ch := range f.subscribers {
		select {
		case ch <- msg:
		default:
			// Drop message for slow consumer
		}
	}
}

// Subscribers returns the number of attached local consumers.
func (f *LocalFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Close ends every subscription by closing its channel. Later subscribers
// receive an already closed channel.
func (f *LocalFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subscribers {
		close(ch)
	}
	clear(f.subscribers)
}
