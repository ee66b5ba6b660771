package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Names holds the keys and channels the client reads from and writes to
type Names struct {
	Update    string // list for durable updates, channel for transient ones
	Cancel    string // list the coordinator pushes cancel requests onto
	Heartbeat string // channel for heartbeats
}

// RedisClient implements Client using Redis
type RedisClient struct {
	client     *redis.Client
	names      Names
	subscribed atomic.Bool

	// MaxRetries bounds attempts for durable publishes
	MaxRetries int
	Backoff    time.Duration
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(addr, password string, db int, names Names) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisClient{client: client, names: names, MaxRetries: 3, Backoff: time.Second}, nil
}

// PublishUpdate pushes terminal updates onto the durable update list so they survive until the
// coordinator pops them. Non-terminal updates are fire-and-forget on the pub/sub channel.
func (r *RedisClient) PublishUpdate(ctx context.Context, update TaskExecutionUpdate) error {
	if update.SentAt.IsZero() {
		update.SentAt = time.Now().UTC()
	}
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	if !update.Terminal {
		return r.client.Publish(ctx, r.names.Update, data).Err()
	}

	_, err = tryRun(ctx, r.MaxRetries, r.Backoff, func() error {
		return r.client.RPush(ctx, r.names.Update, data).Err()
	})
	return err
}

// PublishHeartbeat sends the heartbeat on its channel
func (r *RedisClient) PublishHeartbeat(ctx context.Context, heartbeat WorkerHeartbeat) error {
	data, err := json.Marshal(heartbeat)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.names.Heartbeat, data).Err()
}

// Subscribe starts listening for cancel requests and processes them with the handler. It blocks
// until the context is done. One client can only be subscribed once.
func (r *RedisClient) Subscribe(ctx context.Context, handler func(CancelRequest)) error {
	if !r.subscribed.CompareAndSwap(false, true) {
		return errors.New("client is already subscribed")
	}
	defer r.subscribed.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := r.getNewMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().
						Err(err).
						Msg("Error encountered when fetching message from queue")
				}
				continue
			}
			if message == nil {
				continue
			}

			if err := processMessage(handler, *message); err != nil {
				log.Error().
					Err(err).
					Str("task_execution_id", message.TaskExecutionID.String()).
					Msg("Error encountered when processing message")
			}
		}
	}
}

func (r *RedisClient) getNewMessage(ctx context.Context) (*CancelRequest, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, r.names.Cancel).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No message available
			return nil, nil
		}
		return nil, fmt.Errorf("BLPOP from redis queue went bad. %w", err)
	}

	// Invalid message, this shouldn't usually happen
	if len(result) < 2 {
		return nil, nil
	}

	var message CancelRequest
	if err := json.Unmarshal([]byte(result[1]), &message); err != nil {
		return nil, fmt.Errorf("could not parse message into CancelRequest. %w", err)
	}
	return &message, nil
}

func processMessage(handler func(CancelRequest), message CancelRequest) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().
				Interface("panic", rcv).
				Str("task_execution_id", message.TaskExecutionID.String()).
				Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	handler(message)
	return nil
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// tryRun attempts to run f up to maxRetries times, sleeping a linearly growing backoff between
// attempts. It gives up early when the context is done.
func tryRun(ctx context.Context, maxRetries int, backoff time.Duration, f func() error) (numAttempts int, lastErr error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	for attempts := 1; attempts <= maxRetries; attempts++ {
		err := f()
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		if attempts == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return attempts, fmt.Errorf("gave up after %d attempts: %w", attempts, errors.Join(lastErr, ctx.Err()))
		case <-time.After(time.Duration(attempts) * backoff):
		}
	}

	return maxRetries, fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}
