package kv

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// GeoPoint is a named coordinate added to a geo index.
type GeoPoint struct {
	Member    string
	Longitude float64
	Latitude  float64
}

// GeoHit is a geo search result. Distance is in meters.
type GeoHit struct {
	Member   string
	Distance float64
}

// GeoAdd indexes points under key.
func (c *Client) GeoAdd(ctx context.Context, key string, points ...GeoPoint) (int64, error) {
	locs := make([]*redis.GeoLocation, 0, len(points))
	for _, p := range points {
		locs = append(locs, &redis.GeoLocation{Name: p.Member, Longitude: p.Longitude, Latitude: p.Latitude})
	}
	var n int64
	err := c.do(func() error {
		var err error
		n, err = c.rdb.GeoAdd(ctx, key, locs...).Result()
		return err
	})
	return n, err
}

// GeoSearch returns up to limit members within radius meters of (lon, lat),
// nearest first, with their distances.
func (c *Client) GeoSearch(ctx context.Context, key string, lon, lat, radius float64, limit int) ([]GeoHit, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radius,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}
	var hits []GeoHit
	err := c.do(func() error {
		res, err := c.rdb.GeoSearchLocation(ctx, key, q).Result()
		if err != nil {
			return err
		}
		hits = make([]GeoHit, 0, len(res))
		for _, r := range res {
			hits = append(hits, GeoHit{Member: r.Name, Distance: r.Dist})
		}
		return nil
	})
	return hits, err
}
