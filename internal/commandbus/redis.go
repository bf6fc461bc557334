package commandbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trafficctl/shiftd/pkg/protocol"
)

// commandTopic is the Redis pub/sub channel every node subscribes to.
const commandTopic = "traffic:commands"

const presenceKeyPrefix = "shiftd:presence:"

// RedisBus is the multi-node backend: publish broadcasts on the shared
// topic, every node's subscriber goroutine receives every envelope and
// delivers only if it holds the target session locally.
type RedisBus struct {
	client   *redis.Client
	lookup   ConnectionLookup
	nodeID   string
	log      *slog.Logger
	presence *presenceIndex

	sub    *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisBus(client *redis.Client, lookup ConnectionLookup, nodeID string, log *slog.Logger) (*RedisBus, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("commandbus: failed to connect to redis: %w", err)
	}

	subCtx, subCancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:   client,
		lookup:   lookup,
		nodeID:   nodeID,
		log:      log,
		presence: newPresenceIndex(),
		sub:      client.Subscribe(subCtx, commandTopic),
		cancel:   subCancel,
	}

	b.wg.Add(1)
	go b.subscribeLoop(subCtx)

	return b, nil
}

func (b *RedisBus) subscribeLoop(ctx context.Context) {
	defer b.wg.Done()
	ch := b.sub.Channel()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBus) handleMessage(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn("dropping unparseable command envelope", "error", err)
		return
	}

	conn, ok := b.lookup.GetConnection(env.SessionHash)
	if !ok {
		return
	}
	frame := protocol.NewCommandFrame(env.Command)
	if err := conn.WriteJSON(frame); err != nil {
		b.log.Warn("failed to deliver command", "session_hash", env.SessionHash, "command_type", env.Command.Type, "error", err)
	}
}

// Publish broadcasts to the topic and returns immediately; delivery is
// best-effort.
func (b *RedisBus) Publish(sessionHash string, cmd protocol.CommandEnvelope) error {
	data, err := json.Marshal(envelope{SessionHash: sessionHash, Command: cmd})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, commandTopic, data).Err(); err != nil {
		b.log.Warn("failed to publish command", "session_hash", sessionHash, "error", err)
		return err
	}
	return nil
}

func (b *RedisBus) TrackPresence(sessionHash, nodeID string) {
	b.presence.track(sessionHash, nodeID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.client.Set(ctx, presenceKeyPrefix+sessionHash, nodeID, time.Hour).Err(); err != nil {
		b.log.Warn("failed to mirror presence", "session_hash", sessionHash, "error", err)
	}
}

func (b *RedisBus) UntrackPresence(sessionHash string) {
	b.presence.untrack(sessionHash)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.client.Del(ctx, presenceKeyPrefix+sessionHash).Err(); err != nil {
		b.log.Warn("failed to clear presence", "session_hash", sessionHash, "error", err)
	}
}

// HealthCheck pings the Redis connection backing this bus, for the admin
// API's /health route.
func (b *RedisBus) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	b.cancel()
	_ = b.sub.Close()
	b.wg.Wait()
	return b.client.Close()
}
