// Package presence tracks which peers are currently in which room
// using redis sets, so multiple signaling nodes share one view of
// room membership.
package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/telemir/signalmesh/internal/domain"
)

const defaultTTL = 24 * time.Hour

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func New(opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &Store{client: client, ttl: ttl}, nil
}

func roomKey(roomID string) string {
	return "room:" + roomID + ":peers"
}

func (s *Store) Join(ctx context.Context, roomID string, peer domain.PeerID) error {
	key := roomKey(roomID)
	if err := s.client.SAdd(ctx, key, string(peer)).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

func (s *Store) Leave(ctx context.Context, roomID string, peer domain.PeerID) error {
	return s.client.SRem(ctx, roomKey(roomID), string(peer)).Err()
}

func (s *Store) Members(ctx context.Context, roomID string) ([]domain.PeerID, error) {
	members, err := s.client.SMembers(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	peers := make([]domain.PeerID, 0, len(members))
	for _, m := range members {
		peers = append(peers, domain.PeerID(m))
	}
	return peers, nil
}

func (s *Store) Count(ctx context.Context, roomID string) (int64, error) {
	return s.client.SCard(ctx, roomKey(roomID)).Result()
}

func (s *Store) Clear(ctx context.Context, roomID string) error {
	return s.client.Del(ctx, roomKey(roomID)).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
