package storage

import "time"

// PoolConfig tunes the database/sql pool behind a SQLStore. ConnectTimeout
// bounds the startup ping.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolConfig is used when OpenSQLite or OpenPostgres get a nil config.
// Tool call traffic is bursty but small, so the pool stays narrow.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}
