package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn" // коды ошибок Postgres (SQLSTATE)
	"github.com/jackc/pgx/v5/pgxpool" // Для объединения{pooling} Postgres

	"github.com/you/seckill-service/internal/seckill"
)

var (
	errShopNotFound = errors.New("shop not found")
	errBlogNotFound = errors.New("blog not found")
)

type DB struct {
	pool *pgxpool.Pool
} // Оберточная струкутра вокруг пула

func NewDB(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil { // Анализирует DSN в конфигурацию пула
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil { // Создаёт pgxpool.Pool с этой конфигурацией
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close() // Закрывает базовый пул (при завершении работы)
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx) // для /healthz
}

// WithTx runs fn in a transaction. It commits when fn returns nil and rolls
// back on every other path, panics included.
func (db *DB) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx) // Начинает транзакцию
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx) // Защита от отложенного отката
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	// Фиксирует транзакцию; предотвращает отложенный откат, устанавливая tx = nil.
	tx = nil
	return nil
}

// PersistOrder implements seckill.Persister: one order per user per voucher,
// stock never below zero.
func (db *DB) PersistOrder(ctx context.Context, o seckill.Order) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		// Повторная проверка "один заказ на пользователя" уже на стороне БД
		var count int
		err := tx.QueryRow(ctx,
			`SELECT count(*) FROM tb_voucher_order WHERE user_id = $1 AND voucher_id = $2`,
			o.UserID, o.VoucherID).Scan(&count)
		if err != nil {
			return err
		}
		if count > 0 {
			return seckill.ErrDuplicateOrder
		}

		// Списываем остаток только пока он положительный
		tag, err := tx.Exec(ctx,
			`UPDATE tb_seckill_voucher SET stock = stock - 1 WHERE voucher_id = $1 AND stock > 0`,
			o.VoucherID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return seckill.ErrOutOfStock
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO tb_voucher_order (id, user_id, voucher_id, create_time)
			VALUES ($1, $2, $3, $4)
		`, o.ID, o.UserID, o.VoucherID, o.CreatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// unique (user_id, voucher_id) or a redelivered order id
			return seckill.ErrDuplicateOrder
		}
		return err // любая ошибка вставки откатывает и списание остатка
	})
}

const shopColumns = `id, name, type_id, images, area, address, x, y, avg_price, sold, comments, score, open_hours, update_time`

func scanShop(row pgx.Row) (Shop, error) {
	var s Shop
	err := row.Scan(&s.ID, &s.Name, &s.TypeID, &s.Images, &s.Area, &s.Address, &s.X, &s.Y,
		&s.AvgPrice, &s.Sold, &s.Comments, &s.Score, &s.OpenHours, &s.UpdateTime)
	return s, err
}
// Сканирует строку (pgx.Row или pgx.Rows) в Shop в порядке shopColumns

// GetShop returns false when no shop has id.
func (db *DB) GetShop(ctx context.Context, id int64) (Shop, bool, error) {
	s, err := scanShop(db.pool.QueryRow(ctx, `SELECT `+shopColumns+` FROM tb_shop WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Shop{}, false, nil
	}
	if err != nil {
		return Shop{}, false, err
	}
	return s, true, nil
}

func (db *DB) UpdateShop(ctx context.Context, s Shop) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE tb_shop SET name = $2, type_id = $3, images = $4, area = $5, address = $6,
			x = $7, y = $8, avg_price = $9, sold = $10, comments = $11, score = $12,
			open_hours = $13, update_time = now()
		WHERE id = $1
	`, s.ID, s.Name, s.TypeID, s.Images, s.Area, s.Address, s.X, s.Y,
		s.AvgPrice, s.Sold, s.Comments, s.Score, s.OpenHours)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errShopNotFound
	}
	return nil
}
// Обновляет все поля магазина; кэш после этого обновляет вызывающий (http.go)

// ListHotShops returns the limit best-selling shops.
func (db *DB) ListHotShops(ctx context.Context, limit int) ([]Shop, error) {
	return db.queryShops(ctx, `SELECT `+shopColumns+` FROM tb_shop ORDER BY sold DESC LIMIT $1`, limit)
}

// ListAllShops is used to build the geo index.
func (db *DB) ListAllShops(ctx context.Context) ([]Shop, error) {
	return db.queryShops(ctx, `SELECT `+shopColumns+` FROM tb_shop`)
}

func (db *DB) queryShops(ctx context.Context, query string, args ...any) ([]Shop, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	// Сканирует каждую строку в магазин и добавляет к результирующему срезу
	var shops []Shop
	for rows.Next() {
		s, err := scanShop(rows)
		if err != nil {
			return nil, err
		}
		shops = append(shops, s)
	}
	return shops, rows.Err()
}

// ListShopTypes returns every shop type in display order.
func (db *DB) ListShopTypes(ctx context.Context) ([]ShopType, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, name, icon, sort FROM tb_shop_type ORDER BY sort`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []ShopType
	for rows.Next() {
		var st ShopType
		if err := rows.Scan(&st.ID, &st.Name, &st.Icon, &st.Sort); err != nil {
			return nil, err
		}
		types = append(types, st)
	}
	return types, rows.Err()
}

// GetBlog returns false when no blog post has id.
func (db *DB) GetBlog(ctx context.Context, id int64) (Blog, bool, error) {
	var b Blog
	err := db.pool.QueryRow(ctx, `
		SELECT id, shop_id, user_id, title, images, content, liked, comments, create_time
		FROM tb_blog WHERE id = $1
	`, id).Scan(&b.ID, &b.ShopID, &b.UserID, &b.Title, &b.Images, &b.Content, &b.Liked, &b.Comments, &b.CreateTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return Blog{}, false, nil
	}
	if err != nil {
		return Blog{}, false, err
	}
	return b, true, nil
}

// AdjustBlogLikes implements like.Counter.
func (db *DB) AdjustBlogLikes(ctx context.Context, blogID int64, delta int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tb_blog SET liked = liked + $2 WHERE id = $1 AND liked + $2 >= 0`, blogID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errBlogNotFound
	}
	return nil
}
// Счётчик лайков не уходит ниже нуля; отсутствие строки = блог не найден

func (db *DB) GetSeckillVoucher(ctx context.Context, id int64) (SeckillVoucher, bool, error) {
	var v SeckillVoucher
	err := db.pool.QueryRow(ctx, `
		SELECT voucher_id, stock, begin_time, end_time, create_time
		FROM tb_seckill_voucher WHERE voucher_id = $1
	`, id).Scan(&v.VoucherID, &v.Stock, &v.BeginTime, &v.EndTime, &v.CreateTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return SeckillVoucher{}, false, nil
	}
	if err != nil {
		return SeckillVoucher{}, false, err
	}
	return v, true, nil
}
// Окно продажи ваучера; читается только при промахе VoucherCache

// CreateSeckillVoucher inserts v and returns it with its id.
func (db *DB) CreateSeckillVoucher(ctx context.Context, v SeckillVoucher) (SeckillVoucher, error) {
	if v.Stock < 0 {
		return v, fmt.Errorf("stock must not be negative")
	}
	err := db.pool.QueryRow(ctx, `
		INSERT INTO tb_seckill_voucher (stock, begin_time, end_time)
		VALUES ($1, $2, $3)
		RETURNING voucher_id, create_time
	`, v.Stock, v.BeginTime, v.EndTime).Scan(&v.VoucherID, &v.CreateTime)
	return v, err
}
