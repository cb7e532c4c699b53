package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/sonyflake"
	"go.uber.org/zap"

	"yuim/im-relay/internal/auth"
	"yuim/im-relay/internal/config"
	"yuim/im-relay/internal/db"
	"yuim/im-relay/internal/hub"
	"yuim/im-relay/internal/metrics"
	"yuim/im-relay/internal/relay"
	"yuim/im-relay/internal/store"
	"yuim/im-relay/pkg/producer"
	redisstore "yuim/im-relay/pkg/store/redis"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("load config failed", zap.Error(err))
	}

	var log *zap.Logger
	if cfg.Env == "dev" {
		log, _ = zap.NewDevelopment()
	} else {
		log, _ = zap.NewProduction()
	}
	defer log.Sync()
	log.Info("im-relay starting", zap.String("version", Version), zap.String("addr", cfg.HTTP.Addr), zap.String("store", cfg.Store.Driver))

	metrics.Register()

	var rds *redisstore.Store
	if cfg.Redis.Enabled {
		rds, err = redisstore.New(redisstore.Options{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.Database,
			PoolSize:      cfg.Redis.PoolSize,
			SessionPrefix: cfg.Auth.RedisPrefix,
		})
		if err != nil {
			log.Fatal("redis init failed", zap.Error(err))
		}
		defer rds.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rds.Ping(ctx); err != nil {
			log.Warn("redis ping failed, continuing", zap.Error(err))
		}
		cancel()
	}

	msgStore, closeStore := openStore(cfg, rds, log)
	defer closeStore()

	opt := relay.Options{
		Store:          msgStore,
		StoreTimeout:   cfg.Store.Timeout,
		PresenceShards: cfg.Presence.Shards,
		RoomShards:     cfg.Presence.Shards,
		Log:            log,
	}
	if cfg.Breaker.Enabled {
		opt.Breaker = store.NewBreaker(store.BreakerOptions{
			Threshold: cfg.Breaker.Threshold,
			Window:    cfg.Breaker.Window,
			OpenFor:   cfg.Breaker.OpenFor,
		})
	}
	if rds != nil {
		opt.LastSeen = rds
	}
	if cfg.RocketMQ.Enabled {
		prod, err := producer.NewRocketMQ(producer.Settings{
			NameServer: cfg.RocketMQ.NameServer,
			Topic:      cfg.RocketMQ.Topic,
			Tag:        cfg.RocketMQ.Tag,
			Group:      cfg.RocketMQ.ProducerGroup,
			AccessKey:  cfg.RocketMQ.AccessKey,
			SecretKey:  cfg.RocketMQ.SecretKey,
			Retries:    cfg.RocketMQ.Retries,
			Timeout:    cfg.RocketMQ.SendTimeout,
			Tags:       cfg.RocketMQ.Tags,
		})
		if err != nil {
			log.Fatal("rocketmq producer init failed", zap.Error(err))
		}
		defer prod.Close()
		opt.Publisher = prod
	}

	r, err := relay.New(opt)
	if err != nil {
		log.Fatal("relay init failed", zap.Error(err))
	}

	verifier, err := newVerifier(cfg, rds)
	if err != nil {
		log.Fatal("auth init failed", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	relay.NewServer(r, verifier, relay.ServerOptions{
		Header:        cfg.Auth.Header,
		BearerPrefix:  cfg.Auth.BearerPrefix,
		QueryKey:      cfg.Auth.QueryKey,
		InternalToken: cfg.HTTP.InternalToken,
		Conn: hub.Options{
			WriteTimeout:   cfg.WS.WriteTimeout,
			PingInterval:   cfg.WS.PingInterval,
			PongWait:       cfg.WS.PongWait,
			QueueSize:      cfg.WS.QueueSize,
			MaxMessageSize: cfg.WS.MaxMessageSize,
			RatePerSecond:  cfg.WS.RatePerSecond,
			RateBurst:      cfg.WS.RateBurst,
		},
	}).Register(mux)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("im-relay listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("im-relay shutting down", zap.String("signal", s.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	r.Close()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownWait)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
}

func openStore(cfg *config.Config, rds *redisstore.Store, log *zap.Logger) (store.Store, func()) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using in-memory message store; messages are lost on restart")
		return store.NewMemory(), func() {}
	}

	mysql, err := db.Open(db.Options{
		DSN:          cfg.MySQL.DSN,
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
		ConnMaxLife:  cfg.MySQL.ConnMaxLife,
		ConnMaxIdle:  cfg.MySQL.ConnMaxIdle,
	})
	if err != nil {
		log.Fatal("mysql init failed", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Migrate(ctx, mysql.DB); err != nil {
		log.Fatal("mysql migrate failed", zap.Error(err))
	}

	sf := sonyflake.NewSonyflake(sonyflake.Settings{})
	if sf == nil {
		log.Fatal("sonyflake init failed")
	}

	opt := store.MySQLOptions{IDs: sf, IdemTTL: cfg.Idempotency.TTL, Log: log}
	if rds != nil {
		opt.Idem = rds
	}
	st, err := store.NewMySQL(mysql.DB, opt)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	return st, func() { _ = mysql.Close() }
}

func newVerifier(cfg *config.Config, rds *redisstore.Store) (*auth.Verifier, error) {
	opt := auth.Options{
		Algorithm: cfg.Auth.Algorithm,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		Leeway:    cfg.Auth.Leeway,
	}
	if cfg.Auth.Secret != "" {
		opt.Secret = []byte(cfg.Auth.Secret)
	}
	if cfg.Auth.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.Auth.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		key, err := auth.ParsePublicKey(pem)
		if err != nil {
			return nil, err
		}
		opt.PublicKey = key
	}
	if cfg.Auth.SessionCheck && rds != nil {
		opt.Sessions = rds
	}
	return auth.NewVerifier(opt)
}
