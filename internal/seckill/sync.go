package seckill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/you/seckill-service/internal/clock"
	"github.com/you/seckill-service/internal/lock"
)

// SyncOrderer places orders without the queue: the caller waits for the
// store. It reserves through the same cached stock and buyer set as Service,
// so both paths can sell one voucher. A concurrent order of the same user is
// rejected, not retried.
type SyncOrderer struct {
	ids       IDGenerator
	locks     lock.Store
	persister Persister
	vouchers  VoucherSource
	clock     clock.Clock
	lockTTL   time.Duration
	logger    zerolog.Logger
}

// NewSyncOrderer returns a SyncOrderer. vouchers may be nil to skip the sale
// window check.
func NewSyncOrderer(ids IDGenerator, locks lock.Store, persister Persister, vouchers VoucherSource) *SyncOrderer {
	return &SyncOrderer{
		ids:       ids,
		locks:     locks,
		persister: persister,
		vouchers:  vouchers,
		clock:     clock.Real{},
		lockTTL:   DefaultOrderLockTTL,
		logger:    log.Logger.With().Str("component", "sync_orderer").Logger(),
	}
}

// Order persists one order of voucherID for userID and returns its id.
func (s *SyncOrderer) Order(ctx context.Context, voucherID, userID int64) (int64, error) {
	now := s.clock.Now()
	if err := checkWindow(ctx, s.vouchers, voucherID, now); err != nil {
		return 0, err
	}

	id, err := s.ids.NextID(ctx, "order")
	if err != nil {
		return 0, fmt.Errorf("seckill: order id: %w", err)
	}
	o := Order{ID: int64(id), UserID: userID, VoucherID: voucherID, CreatedAt: now}
	if err := reserve(ctx, s.locks, o, ""); err != nil {
		return 0, err
	}

	err = persistLocked(ctx, s.locks, s.lockTTL, s.persister, o, s.logger)
	if err == nil {
		return o.ID, nil
	}
	// the store already holding an order means the user did buy
	if gbErr := giveBack(ctx, s.locks, o, errors.Is(err, ErrDuplicateOrder)); gbErr != nil {
		s.logger.Error().Err(gbErr).Int64("order_id", o.ID).Int64("voucher_id", voucherID).
			Msg("failed to give back reservation of an unpersisted order")
	}
	if errors.Is(err, errLockNotAcquired) {
		return 0, ErrDuplicateInFlight
	}
	return 0, err
}
