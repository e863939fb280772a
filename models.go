package main

import (
	"time"

	"github.com/you/seckill-service/internal/seckill"
)

// Shop is a row of tb_shop. X and Y are longitude and latitude.
type Shop struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	TypeID     int64     `json:"typeId"`
	Images     string    `json:"images"`
	Area       string    `json:"area"`
	Address    string    `json:"address"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	AvgPrice   int64     `json:"avgPrice"`
	Sold       int       `json:"sold"`
	Comments   int       `json:"comments"`
	Score      int       `json:"score"`
	OpenHours  string    `json:"openHours"`
	UpdateTime time.Time `json:"updateTime"`
}

// SeckillVoucher is a row of tb_seckill_voucher.
type SeckillVoucher struct {
	VoucherID  int64     `json:"voucherId"`
	Stock      int       `json:"stock"`
	BeginTime  time.Time `json:"beginTime"`
	EndTime    time.Time `json:"endTime"`
	CreateTime time.Time `json:"createTime"`
}

func (v SeckillVoucher) toVoucher() seckill.Voucher {
	return seckill.Voucher{
		ID:        v.VoucherID,
		Stock:     v.Stock,
		BeginTime: v.BeginTime,
		EndTime:   v.EndTime,
	}
}

// ShopHit is one result of a nearby-shops query.
type ShopHit struct {
	ShopID   int64   `json:"shopId"`
	Distance float64 `json:"distance"` // meters
}

// ShopType is a row of tb_shop_type.
type ShopType struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon"`
	Sort int    `json:"sort"`
}

// Blog is a row of tb_blog. IsLike is filled per request for the caller.
type Blog struct {
	ID         int64     `json:"id"`
	ShopID     int64     `json:"shopId"`
	UserID     int64     `json:"userId"`
	Title      string    `json:"title"`
	Images     string    `json:"images"`
	Content    string    `json:"content"`
	Liked      int       `json:"liked"`
	Comments   int       `json:"comments"`
	CreateTime time.Time `json:"createTime"`
	IsLike     bool      `json:"isLike"`
}
