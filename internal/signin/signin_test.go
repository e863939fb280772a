package signin

import (
	"context"
	"testing"
	"time"
)

// bitmap mimics SETBIT and BITFIELD GET u<n> 0 on big-endian bit order.
type bitmap map[string][]bool

func (b bitmap) SetBit(_ context.Context, key string, offset int64) error {
	bm := b[key]
	for int64(len(bm)) <= offset {
		bm = append(bm, false)
	}
	bm[offset] = true
	b[key] = bm
	return nil
}

func (b bitmap) BitFieldGetUnsigned(_ context.Context, key string, width int, offset int64) (uint64, error) {
	bm := b[key]
	var v uint64
	for i := int64(0); i < int64(width); i++ {
		v <<= 1
		if pos := offset + i; pos < int64(len(bm)) && bm[pos] {
			v |= 1
		}
	}
	return v, nil
}

func TestConsecutiveDays(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 5, d, 9, 0, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		signed []int
		today  int
		want   int
	}{
		{"never", nil, 10, 0},
		{"today only", []int{10}, 10, 1},
		{"streak", []int{3, 7, 8, 9, 10}, 10, 4},
		{"missed today", []int{7, 8, 9}, 10, 0},
		{"whole month so far", []int{1, 2, 3}, 3, 3},
		{"end of month", []int{29, 30, 31}, 31, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := bitmap{}
			s := New(store)
			ctx := context.Background()
			for _, d := range tt.signed {
				if err := s.Sign(ctx, 7, day(d)); err != nil {
					t.Fatalf("sign: %v", err)
				}
			}
			got, err := s.ConsecutiveDays(ctx, 7, day(tt.today))
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestKeyPerMonth(t *testing.T) {
	if k := Key(7, time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)); k != "sign:7:202405" {
		t.Fatalf("unexpected key %s", k)
	}
	if k := Key(7, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)); k != "sign:7:202406" {
		t.Fatalf("unexpected key %s", k)
	}
}
