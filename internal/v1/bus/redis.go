package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meetcore/signaling/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// PubSubPayload is the standardized container for moving messages between Pods.
type PubSubPayload struct {
	RoomID   string          `json:"roomId"`
	Event    string          `json:"event"`           // The event type (e.g., "offer", "chat")
	Payload  json.RawMessage `json:"payload"`         // The actual data (WebRTC SDP, Chat content)
	SenderID string          `json:"senderId"`        // CRITICAL: Used to prevent echo (infinite loops)
	Roles    []string        `json:"roles,omitempty"` // Which roles should receive this event (nil/empty = all)
	Nonce    string          `json:"nonce"`           // Per-publication id; receivers dedup on this across reconnects
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10, // Optimize for 15 replicas
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis Pub/Sub", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts a message to all other Pods watching this room.
// The roles parameter specifies which role types should receive this event (nil/empty = all roles).
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload any, senderID string, roles []string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		// 1. Wrap the payload
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		msg := PubSubPayload{
			RoomID:   roomID,
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID, // Pass the ID of the client who sent this
			Roles:    roles,    // Which roles should receive this event
			Nonce:    uuid.NewString(),
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		// 2. Publish to the room's global fan-out channel
		// Channel schema: "room:{id}:global"
		channel := fmt.Sprintf("room:%s:global", roomID)

		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "roomID", roomID)
			return nil // Graceful degradation: drop message, don't crash caller
		}
		slog.Error("Redis Publish Failed", "roomID", roomID, "error", err)
		return err
	}

	return nil
}

// PublishDirect sends a message directly to a single participant in a room via Redis.
func (s *Service) PublishDirect(ctx context.Context, roomID string, targetUserId string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		// Wrap the payload
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload for direct message: %w", err)
		}

		msg := PubSubPayload{
			RoomID:   roomID,
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID,
			Nonce:    uuid.NewString(),
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal direct message envelope: %w", err)
		}

		// Publish to the participant-specific channel within the room
		channel := fmt.Sprintf("room:%s:to:%s", roomID, targetUserId)

		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping direct message", "targetUserId", targetUserId)
			return nil // Graceful degradation
		}
		slog.Error("Redis PublishDirect failed", "targetUserId", targetUserId, "senderID", senderID, "event", event, "error", err)
		return err
	}

	slog.Debug("Published direct message via Redis", "targetUserId", targetUserId, "senderID", senderID, "event", event)
	return nil
}

// Subscribe starts a background goroutine that listens for messages from OTHER pods
// on a room's global fan-out channel.
// handler: A function that will be executed for every valid message received.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	s.SubscribeChannels(ctx, wg, handler, fmt.Sprintf("room:%s:global", roomID))
}

// SubscribeModerators listens on a room's moderators-only fan-out channel, in addition
// to the global one, for events scoped to moderator/host roles (e.g. waiting-room admit prompts).
func (s *Service) SubscribeModerators(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	s.SubscribeChannels(ctx, wg, handler,
		fmt.Sprintf("room:%s:global", roomID),
		fmt.Sprintf("room:%s:moderators", roomID),
	)
}

// SubscribeDirect listens on a single participant's direct channel within a room.
func (s *Service) SubscribeDirect(ctx context.Context, roomID, participantID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	s.SubscribeChannels(ctx, wg, handler, fmt.Sprintf("room:%s:to:%s", roomID, participantID))
}

// SubscribeChannels multiplexes one or more Redis pub/sub channels onto a single handler.
// Subscriptions are long-lived and don't fit well with simple Request/Response circuit
// breakers: if Redis is down, the initial Subscribe call will simply return no messages
// until the connection recovers, which the caller's room handle already tolerates.
func (s *Service) SubscribeChannels(ctx context.Context, wg *sync.WaitGroup, handler func(PubSubPayload), channels ...string) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	pubsub := s.client.Subscribe(ctx, channels...)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channels", "channels", channels)

		ch := pubsub.Channel()

		// Read indefinitely until the context is cancelled or connection dies
		for {
			select {
			case <-ctx.Done():
				return // Stop listening if the room closes
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channels", channels)
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("Failed to unmarshal Redis message", "error", err, "raw", msg.Payload)
					continue
				}

				// Pass the data back up to the application layer
				handler(payload)
			}
		}
	}()
}

// PublishModerators broadcasts a message to the room's moderators-only channel, used
// for events such as waiting-room admission prompts that only moderators receive.
// The Roles tag on the payload is metadata only - receivers decide whether an
// event is theirs by unmarshaling Payload and checking their own role/participant
// id, not by reading this field (see internal/v1/runner's addressedToMe).
func (s *Service) PublishModerators(ctx context.Context, roomID string, event string, payload any, senderID string) error {
	return s.publishToChannel(ctx, fmt.Sprintf("room:%s:moderators", roomID), roomID, event, payload, senderID, []string{"moderator"})
}

func (s *Service) publishToChannel(ctx context.Context, channel, roomID, event string, payload any, senderID string, roles []string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}
		msg := PubSubPayload{RoomID: roomID, Event: event, Payload: innerBytes, SenderID: senderID, Roles: roles, Nonce: uuid.NewString()}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "channel", channel)
			return nil
		}
		slog.Error("Redis publish failed", "channel", channel, "error", err)
		return err
	}
	return nil
}

// Ping checks Redis connectivity using the PING command
// Used by health checks to verify Redis is reachable
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}

// SetAdd adds a member to a Redis Set. Used for distributed state management.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping SetAdd", "key", key)
			return nil // Graceful degradation
		}
		slog.Error("Redis SetAdd failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis Set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping SetRem", "key", key)
			return nil // Graceful degradation
		}
		slog.Error("Redis SetRem failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis Set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil // Single-instance mode, no Redis available
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: returning empty set members", "key", key)
			return nil, nil // Graceful degradation: return empty list so room can still function locally
		}
		slog.Error("Redis SetMembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}

// Get fetches a string value. Returns ("", nil) for a missing key so callers
// can distinguish "not set" from a connectivity failure.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if s == nil || s.client == nil {
		return "", nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		v, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return "", nil
		}
		return v, err
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return "", nil
		}
		return "", fmt.Errorf("failed to get key %q: %w", key, err)
	}
	return res.(string), nil
}

// Set writes a string value with an optional TTL (0 = no expiry).
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	return nil
}

// Del removes one or more keys.
func (s *Service) Del(ctx context.Context, keys ...string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("failed to delete keys %v: %w", keys, err)
	}
	return nil
}

// Expire refreshes a key's TTL, used for the control-record heartbeat.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("failed to expire key %q: %w", key, err)
	}
	return nil
}

// SetNX sets a key only if it does not already exist, returning whether the set happened.
// This is the core primitive behind the room lock's acquire step.
func (s *Service) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return true, nil // Single-instance mode: treat the lock as uncontended
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return false, fmt.Errorf("redis circuit breaker open: %w", gobreaker.ErrOpenState)
		}
		return false, fmt.Errorf("failed to SetNX key %q: %w", key, err)
	}
	return res.(bool), nil
}

// Eval runs a Lua script against Redis, used for the lock's compare-and-release and
// compare-and-extend operations where a plain SetNX/Del race would be unsafe.
func (s *Service) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Eval(ctx, script, keys, args...).Result()
	})
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil, fmt.Errorf("redis circuit breaker open: %w", gobreaker.ErrOpenState)
		}
		return nil, fmt.Errorf("failed to eval script: %w", err)
	}
	return res, nil
}

// Incr atomically increments a counter key, used for per-poll/per-timer sequence numbers.
func (s *Service) Incr(ctx context.Context, key string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Incr(ctx, key).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return 0, fmt.Errorf("redis circuit breaker open: %w", gobreaker.ErrOpenState)
		}
		return 0, fmt.Errorf("failed to incr key %q: %w", key, err)
	}
	return res.(int64), nil
}
