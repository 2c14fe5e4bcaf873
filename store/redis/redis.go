package redis

import (
	"fmt"
	"time"

	"github.com/fotolink/fotolink/store"
	"github.com/gomodule/redigo/redis"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns"`
	IdleConns   int           `koanf:"idle_conns"`
	Timeout     time.Duration `koanf:"timeout"`

	PrefixConnection string `koanf:"prefix_connection"`

	// TTL caps how long a record survives without a refresh. Every put
	// and touch resets it, so it doubles as the retention purge.
	TTL time.Duration `koanf:"ttl"`
}

// Redis represents the Redis implementation of the Store interface.
type Redis struct {
	cfg  *Config
	pool *redis.Pool
}

type conn struct {
	SignalingServer string `redis:"signaling_server"`
	RoomID          string `redis:"room_id"`
	DeviceName      string `redis:"device_name"`
	CreatedAt       string `redis:"created_at"`
	UpdatedAt       string `redis:"updated_at"`
	LastConnectedAt string `redis:"last_connected_at"`
}

// New returns a new Redis store.
func New(cfg Config) (*Redis, error) {
	pool := &redis.Pool{
		Wait:      true,
		MaxActive: cfg.ActiveConns,
		MaxIdle:   cfg.IdleConns,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
				redis.DialDatabase(cfg.DB),
			)
		},
	}

	// Test connection.
	c := pool.Get()
	defer c.Close()

	if err := c.Err(); err != nil {
		return nil, err
	}
	return &Redis{cfg: &cfg, pool: pool}, nil
}

// PutConnection upserts the saved connection for a user.
func (r *Redis) PutConnection(cn store.Connection) error {
	c := r.pool.Get()
	defer c.Close()

	key := fmt.Sprintf(r.cfg.PrefixConnection, cn.UserID)
	c.Send("HMSET", key,
		"signaling_server", cn.SignalingServer,
		"room_id", cn.RoomID,
		"device_name", cn.DeviceName,
		"created_at", cn.CreatedAt.Format(time.RFC3339),
		"updated_at", cn.UpdatedAt.Format(time.RFC3339),
		"last_connected_at", cn.LastConnectedAt.Format(time.RFC3339))
	c.Send("EXPIRE", key, int(r.cfg.TTL.Seconds()))
	return c.Flush()
}

// GetConnection gets the saved connection for a user.
func (r *Redis) GetConnection(userID string) (store.Connection, error) {
	c := r.pool.Get()
	defer c.Close()

	var (
		out store.Connection
		cn  conn
		key = fmt.Sprintf(r.cfg.PrefixConnection, userID)
	)
	res, err := redis.Values(c.Do("HGETALL", key))
	if err != nil {
		return out, err
	}
	if len(res) == 0 {
		return out, store.ErrNotFound
	}
	if err := redis.ScanStruct(res, &cn); err != nil {
		return out, err
	}

	created, err := time.Parse(time.RFC3339, cn.CreatedAt)
	if err != nil {
		return out, store.ErrNotFound
	}
	updated, _ := time.Parse(time.RFC3339, cn.UpdatedAt)
	last, _ := time.Parse(time.RFC3339, cn.LastConnectedAt)

	return store.Connection{
		UserID:          userID,
		SignalingServer: cn.SignalingServer,
		RoomID:          cn.RoomID,
		DeviceName:      cn.DeviceName,
		CreatedAt:       created,
		UpdatedAt:       updated,
		LastConnectedAt: last,
	}, nil
}

// TouchConnection refreshes the last-connected timestamp, resetting
// the retention clock.
func (r *Redis) TouchConnection(userID string, t time.Time) error {
	c := r.pool.Get()
	defer c.Close()

	key := fmt.Sprintf(r.cfg.PrefixConnection, userID)
	c.Send("HSET", key,
		"last_connected_at", t.Format(time.RFC3339),
		"updated_at", t.Format(time.RFC3339))
	c.Send("EXPIRE", key, int(r.cfg.TTL.Seconds()))
	return c.Flush()
}

// DeleteConnection removes the saved connection for a user.
func (r *Redis) DeleteConnection(userID string) error {
	c := r.pool.Get()
	defer c.Close()

	_, err := redis.Bool(c.Do("DEL", fmt.Sprintf(r.cfg.PrefixConnection, userID)))
	return err
}
