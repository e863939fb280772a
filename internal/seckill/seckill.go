// Package seckill admits flash-sale purchases atomically in the key-value
// store and turns admitted purchases into persisted orders through a
// crash-recoverable queue consumer.
package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Result is the code returned by the admission script.
type Result int64

const (
	Admitted   Result = 0
	OutOfStock Result = 1
	Duplicate  Result = 2
)

func (r Result) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case OutOfStock:
		return "out_of_stock"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown(" + strconv.FormatInt(int64(r), 10) + ")"
	}
}

// Rejections seen by the buyer. They are outcomes, not faults.
var (
	ErrOutOfStock      = errors.New("seckill: out of stock")
	ErrDuplicateOrder  = errors.New("seckill: user already ordered this voucher")
	ErrNotStarted      = errors.New("seckill: sale has not started")
	ErrEnded           = errors.New("seckill: sale has ended")
	ErrVoucherNotFound = errors.New("seckill: voucher not found")
)

var (
	// ErrLockBusy means another worker holds the per-user order lock. The
	// message stays pending and is retried.
	ErrLockBusy = errors.New("seckill: per-user order lock busy")
	// ErrDuplicateInFlight rejects a synchronous order while another one for
	// the same user is being processed.
	ErrDuplicateInFlight = errors.New("seckill: order for this user already in flight")
)

// Order is an admitted purchase.
type Order struct {
	ID        int64
	UserID    int64
	VoucherID int64
	CreatedAt time.Time
}

// Voucher is the stock record of a seckill voucher.
type Voucher struct {
	ID        int64
	Stock     int
	BeginTime time.Time
	EndTime   time.Time
}

// Persister writes an order durably. It must re-check (user, voucher)
// uniqueness and decrement stock only while it is positive, returning
// ErrDuplicateOrder or ErrOutOfStock when either guard rejects the order.
type Persister interface {
	PersistOrder(ctx context.Context, o Order) error
}

// StockKey holds the cached remaining stock of a voucher.
func StockKey(voucherID int64) string {
	return "seckill:stock:" + strconv.FormatInt(voucherID, 10)
}

// BuyersKey holds the set of users admitted for a voucher.
func BuyersKey(voucherID int64) string {
	return "seckill:order:" + strconv.FormatInt(voucherID, 10)
}

// OrderLockName is the per-user lock taken while persisting.
func OrderLockName(userID int64) string {
	return "order:" + strconv.FormatInt(userID, 10)
}

// Queue fields.
const (
	fieldID        = "id"
	fieldUserID    = "userId"
	fieldVoucherID = "voucherId"
	fieldCreatedAt = "createdAt"
)

func encodeOrder(o Order) map[string]string {
	return map[string]string{
		fieldID:        strconv.FormatInt(o.ID, 10),
		fieldUserID:    strconv.FormatInt(o.UserID, 10),
		fieldVoucherID: strconv.FormatInt(o.VoucherID, 10),
		fieldCreatedAt: o.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// errMalformed marks a message that can never be processed.
var errMalformed = errors.New("malformed order message")

func decodeOrder(fields map[string]string) (Order, error) {
	var o Order
	var err error
	if o.ID, err = parseID(fields, fieldID); err != nil {
		return o, err
	}
	if o.UserID, err = parseID(fields, fieldUserID); err != nil {
		return o, err
	}
	if o.VoucherID, err = parseID(fields, fieldVoucherID); err != nil {
		return o, err
	}
	if s, ok := fields[fieldCreatedAt]; ok {
		if o.CreatedAt, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return o, fmt.Errorf("%w: %s: %v", errMalformed, fieldCreatedAt, err)
		}
	}
	return o, nil
}

func parseID(fields map[string]string, name string) (int64, error) {
	s, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", errMalformed, name)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: bad %s %q", errMalformed, name, s)
	}
	return v, nil
}

// checkWindow rejects purchases outside the voucher's sale window. A nil
// source skips the check.
func checkWindow(ctx context.Context, vs VoucherSource, voucherID int64, now time.Time) error {
	if vs == nil {
		return nil
	}
	v, ok, err := vs.Voucher(ctx, voucherID)
	if err != nil {
		return fmt.Errorf("seckill: voucher %d: %w", voucherID, err)
	}
	if !ok {
		return ErrVoucherNotFound
	}
	if now.Before(v.BeginTime) {
		return ErrNotStarted
	}
	if !v.EndTime.IsZero() && now.After(v.EndTime) {
		return ErrEnded
	}
	return nil
}
