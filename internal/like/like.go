// Package like records which users liked a blog post. The set
// blog:liked:<blogId> holds the user ids; the durable like counter is kept in
// step by the Counter.
package like

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/you/seckill-service/internal/kv"
)

// Store is the subset of the kv client likes need.
type Store interface {
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
}

var _ Store = (*kv.Client)(nil)

// Counter adjusts the like count of a blog post by delta.
type Counter interface {
	AdjustBlogLikes(ctx context.Context, blogID int64, delta int) error
}

type Service struct {
	store   Store
	counter Counter
	logger  zerolog.Logger
}

func New(store Store, counter Counter) *Service {
	return &Service{
		store:   store,
		counter: counter,
		logger:  log.Logger.With().Str("component", "like").Logger(),
	}
}

// Key returns the set of users who liked blogID.
func Key(blogID int64) string {
	return "blog:liked:" + strconv.FormatInt(blogID, 10)
}

// IsLiked reports whether userID liked blogID.
func (s *Service) IsLiked(ctx context.Context, blogID, userID int64) (bool, error) {
	ok, err := s.store.SIsMember(ctx, Key(blogID), strconv.FormatInt(userID, 10))
	if err != nil {
		return false, fmt.Errorf("like: blog %d: %w", blogID, err)
	}
	return ok, nil
}

// Toggle likes blogID for userID, or takes the like back when it exists, and
// returns the new state. The set change decides whether the counter moves, so
// two concurrent toggles never count twice.
func (s *Service) Toggle(ctx context.Context, blogID, userID int64) (bool, error) {
	liked, err := s.IsLiked(ctx, blogID, userID)
	if err != nil {
		return false, err
	}
	if liked {
		return s.unlike(ctx, blogID, userID)
	}
	return s.like(ctx, blogID, userID)
}

func (s *Service) like(ctx context.Context, blogID, userID int64) (bool, error) {
	key, member := Key(blogID), strconv.FormatInt(userID, 10)
	n, err := s.store.SAdd(ctx, key, member)
	if err != nil {
		return false, fmt.Errorf("like: blog %d: %w", blogID, err)
	}
	if n == 0 {
		return true, nil
	}
	if err := s.counter.AdjustBlogLikes(ctx, blogID, 1); err != nil {
		if _, rerr := s.store.SRem(context.WithoutCancel(ctx), key, member); rerr != nil {
			s.logger.Error().Err(rerr).Int64("blog_id", blogID).Int64("user_id", userID).
				Msg("failed to take back like after counter error")
		}
		return false, err
	}
	return true, nil
}

func (s *Service) unlike(ctx context.Context, blogID, userID int64) (bool, error) {
	key, member := Key(blogID), strconv.FormatInt(userID, 10)
	n, err := s.store.SRem(ctx, key, member)
	if err != nil {
		return true, fmt.Errorf("like: blog %d: %w", blogID, err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.counter.AdjustBlogLikes(ctx, blogID, -1); err != nil {
		if _, rerr := s.store.SAdd(context.WithoutCancel(ctx), key, member); rerr != nil {
			s.logger.Error().Err(rerr).Int64("blog_id", blogID).Int64("user_id", userID).
				Msg("failed to restore like after counter error")
		}
		return true, err
	}
	return false, nil
}
