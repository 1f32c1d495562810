package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrInFlight is returned when a request with the same key is still being processed.
var ErrInFlight = errors.New("idempotent request in flight")

// StoredResponse is the first response produced for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// Reservation is the right to process a key exactly once.
type Reservation struct {
	store *IdempotencyStore
	key   string
	token string
}

// IdempotencyStore remembers responses by client-supplied key.
type IdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewIdempotencyStore keeps responses for ttl.
func NewIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		client: client,
		prefix: "idempotency:",
		ttl:    ttl,
	}
}

// Begin reserves key. When a previous request already finished, its response
// is returned instead of a reservation. ErrInFlight means a concurrent
// request holds the key.
func (s *IdempotencyStore) Begin(ctx context.Context, key string) (*Reservation, *StoredResponse, error) {
	full := s.prefix + key
	token := uuid.NewString()

	ok, err := reserveScript.Run(ctx, s.client, []string{full}, token, s.ttl.Milliseconds()).Int()
	if err != nil {
		return nil, nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok == 1 {
		return &Reservation{store: s, key: full, token: token}, nil, nil
	}

	fields, err := s.client.HGetAll(ctx, full).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if fields["done"] != "1" {
		return nil, nil, ErrInFlight
	}
	status, err := strconv.Atoi(fields["status"])
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt idempotency record %s: %w", key, err)
	}
	return nil, &StoredResponse{Status: status, Body: []byte(fields["body"])}, nil
}

// Complete stores the response so replays receive it.
func (r *Reservation) Complete(ctx context.Context, resp StoredResponse) error {
	_, err := completeScript.Run(ctx, r.store.client, []string{r.key},
		r.token, resp.Status, string(resp.Body), r.store.ttl.Milliseconds()).Result()
	return err
}

// Release forgets the key so the client may retry.
func (r *Reservation) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, r.store.client, []string{r.key}, r.token).Result()
	return err
}
