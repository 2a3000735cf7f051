package events

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// publishWait bounds how long a publish may block on a backpressured
// transport before the drop policy kicks in.
const publishWait = 100 * time.Millisecond

/**
 * Publisher fans events out to one logical channel per run. Safe for
 * concurrent callers; per-step ordering is preserved because each step
 * publishes from a single goroutine. Publish reports acknowledged or
 * dropped; non-terminal events are dropped first under backpressure
 * and the counter is surfaced in the completion totals.
 */
type Publisher interface {
	Publish(runID string, ev Event) bool
	// CloseRun marks end of stream, after execution_completed.
	CloseRun(runID string)
	Dropped(runID string) int
}

type runChannel struct {
	// sendMu serializes close against in-flight sends: senders hold the
	// read side, CloseRun the write side.
	sendMu sync.RWMutex

	ch     chan Event
	closed bool
}

// ChanPublisher is the in-process implementation: one buffered channel
// per run, handed to subscribers.
type ChanPublisher struct {
	mu sync.Mutex

	buffer  int
	runs    map[string]*runChannel
	dropped map[string]int
}

func NewChanPublisher(buffer int) *ChanPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChanPublisher{
		buffer:  buffer,
		runs:    make(map[string]*runChannel),
		dropped: make(map[string]int),
	}
}

// Subscribe returns the run's event channel, creating it on first use.
// The channel is closed after execution_completed; consumers treat the
// close as EOF.
func (p *ChanPublisher) Subscribe(runID string) <-chan Event {
	return p.channel(runID).ch
}

func (p *ChanPublisher) channel(runID string) *runChannel {
	p.mu.Lock()
	defer p.mu.Unlock()

	rc, exists := p.runs[runID]
	if !exists {
		rc = &runChannel{ch: make(chan Event, p.buffer)}
		p.runs[runID] = rc
	}
	return rc
}

func (p *ChanPublisher) Publish(runID string, ev Event) bool {
	rc := p.channel(runID)

	rc.sendMu.RLock()
	defer rc.sendMu.RUnlock()

	if !rc.closed {
		wait := publishWait
		if ev.Type.Terminal() {
			// terminal events wait out the backpressure
			wait = 10 * publishWait
		}
		select {
		case rc.ch <- ev:
			return true
		case <-time.After(wait):
		}
	}

	p.mu.Lock()
	p.dropped[runID]++
	p.mu.Unlock()
	log.Debugf("run %s: dropped %s event", runID, ev.Type)
	return false
}

func (p *ChanPublisher) CloseRun(runID string) {
	rc := p.channel(runID)

	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()

	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}

func (p *ChanPublisher) Dropped(runID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.dropped[runID]
}
