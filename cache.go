package main

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/you/seckill-service/internal/seckill"
)

type voucherLoader interface {
	GetSeckillVoucher(ctx context.Context, id int64) (SeckillVoucher, bool, error)
}

// VoucherCache keeps sale windows of seckill vouchers in process memory so the
// admission path does not query Postgres.
type VoucherCache struct {
	lru *lru.Cache[int64, seckill.Voucher]
	db  voucherLoader
}
// LRU на limit записей и источник для промахов. Окна продаж не меняются после создания,
// поэтому записи вытесняются только по размеру (самые старые уходят первыми)

func NewVoucherCache(limit int, db voucherLoader) *VoucherCache {
	if limit < 1 {
		limit = 1
	}
	c, _ := lru.New[int64, seckill.Voucher](limit) // ошибка только при limit <= 0
	return &VoucherCache{lru: c, db: db}
}
// Конструктор. Ограничение по емкости не меньше одной записи

func (c *VoucherCache) Get(id int64) (seckill.Voucher, bool) {
	return c.lru.Get(id)
}
// Операция чтения. Попадание поднимает запись наверх списка LRU

func (c *VoucherCache) Set(v seckill.Voucher) {
	c.lru.Add(v.ID, v)
}
/* Операция записи. Если кэш полон, вытесняется давно не использованный ваучер,
так что новая (самая горячая) распродажа всегда попадает в память.*/

// Voucher implements seckill.VoucherSource, reading through to Postgres.
func (c *VoucherCache) Voucher(ctx context.Context, id int64) (seckill.Voucher, bool, error) {
	if v, ok := c.Get(id); ok {
		return v, true, nil
	}
	// Промах: подтянем из БД и положим в кеш
	sv, ok, err := c.db.GetSeckillVoucher(ctx, id)
	if err != nil || !ok {
		return seckill.Voucher{}, false, err
	}
	v := sv.toVoucher()
	c.Set(v)
	return v, true, nil
}
