// Package db opens the MySQL pool and owns the relay's table definitions.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

type MySQL struct {
	DB *sql.DB
}

type Options struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
	ConnMaxIdle  time.Duration
	PingTimeout  time.Duration
}

func (o *Options) defaults() {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 50
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 25
	}
	if o.ConnMaxLife == 0 {
		o.ConnMaxLife = 30 * time.Minute
	}
	if o.ConnMaxIdle == 0 {
		o.ConnMaxIdle = 5 * time.Minute
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = 2 * time.Second
	}
}

// Open parses the DSN, forces parseTime so DATETIME columns scan into
// time.Time, and pings before returning.
func Open(opt Options) (*MySQL, error) {
	opt.defaults()
	mc, err := mysql.ParseDSN(opt.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	mc.ParseTime = true
	if mc.Loc == nil {
		mc.Loc = time.UTC
	}
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(opt.MaxOpenConns)
	db.SetMaxIdleConns(opt.MaxIdleConns)
	db.SetConnMaxLifetime(opt.ConnMaxLife)
	db.SetConnMaxIdleTime(opt.ConnMaxIdle)

	ctx, cancel := context.WithTimeout(context.Background(), opt.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQL{DB: db}, nil
}

func (m *MySQL) Close() error {
	if m == nil || m.DB == nil {
		return nil
	}
	return m.DB.Close()
}

// Schema is applied by Migrate. im_user is owned by the account service and
// only read here for display names.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS im_direct_msg (
  msg_id        BIGINT       NOT NULL PRIMARY KEY,
  conv_id       VARCHAR(64)  NOT NULL,
  sender_id     BIGINT       NOT NULL,
  receiver_id   BIGINT       NOT NULL,
  client_msg_id VARCHAR(128) NULL,
  content       TEXT         NOT NULL,
  media_url     VARCHAR(1024) NOT NULL DEFAULT '',
  reply_to      BIGINT       NOT NULL DEFAULT 0,
  create_time   DATETIME(3)  NOT NULL,
  UNIQUE KEY uk_sender_client (sender_id, client_msg_id),
  KEY idx_conv_msg (conv_id, msg_id)
)`,
	`CREATE TABLE IF NOT EXISTS im_msg_hidden (
  msg_id      BIGINT      NOT NULL,
  user_id     BIGINT      NOT NULL,
  create_time DATETIME(3) NOT NULL,
  PRIMARY KEY (msg_id, user_id)
)`,
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// IsDataError reports a value the column cannot hold: ER_DATA_TOO_LONG or
// ER_TRUNCATED_WRONG_VALUE_FOR_FIELD (bad string for the charset). Retrying
// the same row fails again.
func IsDataError(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1406 || me.Number == 1366
	}
	return false
}

// IsDuplicate reports a unique key violation (ER_DUP_ENTRY).
func IsDuplicate(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return false
}
