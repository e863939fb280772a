// Package signin records daily sign-ins as one bitmap per user and month.
// Bit d-1 of sign:<userId>:<yyyyMM> is set when the user signed in on day d.
package signin

import (
	"context"
	"fmt"
	"math/bits"
	"strconv"
	"time"

	"github.com/you/seckill-service/internal/kv"
)

// Store is the subset of the kv client sign-in needs.
type Store interface {
	SetBit(ctx context.Context, key string, offset int64) error
	BitFieldGetUnsigned(ctx context.Context, key string, bits int, offset int64) (uint64, error)
}

var _ Store = (*kv.Client)(nil)

type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// Key returns the bitmap key of userID for the month of t.
func Key(userID int64, t time.Time) string {
	return "sign:" + strconv.FormatInt(userID, 10) + ":" + t.Format("200601")
}

// Sign marks now's day as signed for userID.
func (s *Service) Sign(ctx context.Context, userID int64, now time.Time) error {
	if err := s.store.SetBit(ctx, Key(userID, now), int64(now.Day()-1)); err != nil {
		return fmt.Errorf("signin: user %d: %w", userID, err)
	}
	return nil
}

// ConsecutiveDays counts the days signed in a row ending today, within the
// current month.
func (s *Service) ConsecutiveDays(ctx context.Context, userID int64, now time.Time) (int, error) {
	day := now.Day()
	v, err := s.store.BitFieldGetUnsigned(ctx, Key(userID, now), day, 0)
	if err != nil {
		return 0, fmt.Errorf("signin: user %d: %w", userID, err)
	}
	// the lowest bit of the field is today
	return bits.TrailingZeros64(^v), nil
}
