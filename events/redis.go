package events

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/llmflow/utils"
)

var (
	_ Publisher = &RedisPublisher{}
)

// Channel names the pub/sub channel of one run.
func Channel(runID string) string {
	return "execution:" + runID
}

// RedisPublisher serializes events to Redis pub/sub, one channel per
// run. Redis channels have no close semantics, so execution_completed
// doubles as the EOF marker for subscribers.
type RedisPublisher struct {
	client *redis.Client

	mu      sync.Mutex
	dropped map[string]int
}

func NewRedisPublisher(addr string) *RedisPublisher {
	return NewRedisPublisherWithClient(redis.NewClient(&redis.Options{Addr: addr}))
}

func NewRedisPublisherWithClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		dropped: make(map[string]int),
	}
}

func (p *RedisPublisher) Publish(runID string, ev Event) bool {
	payload, err := utils.Serialize(ev)
	if err != nil {
		log.Errorf("run %s: encode %s event: %v", runID, ev.Type, err)
		return p.drop(runID)
	}

	wait := publishWait
	if ev.Type.Terminal() {
		wait = 10 * publishWait
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	if err := p.client.Publish(ctx, Channel(runID), payload).Err(); err != nil {
		log.Warnf("run %s: publish %s event: %v", runID, ev.Type, err)
		return p.drop(runID)
	}
	return true
}

func (p *RedisPublisher) drop(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dropped[runID]++
	return false
}

func (p *RedisPublisher) CloseRun(runID string) {}

func (p *RedisPublisher) Dropped(runID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.dropped[runID]
}

// Close releases the underlying client. Call once when the engine
// shuts down.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
