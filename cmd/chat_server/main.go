package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"go-chat/internal/api"
	"go-chat/internal/cache"
	"go-chat/internal/config"
	"go-chat/internal/hub"
	"go-chat/internal/metrics"
	"go-chat/internal/mq"
	"go-chat/internal/ratelimit"
	"go-chat/internal/services"
	"go-chat/internal/store"
	"go-chat/internal/store/memstore"
	"go-chat/internal/store/mongostore"
	"go-chat/internal/store/sqlstore"
	"go-chat/internal/transport/tcp"
	"go-chat/internal/transport/ws"
)

func main() {
	cfg := config.Load()

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if cfg.EnableMetrics {
		metrics.Init()
	}

	// 根据配置选择存储：mysql、mongodb（消息）或 memory（单机）
	var msgStore store.MessageStore
	var userStore store.UserStore
	var groupStore store.GroupStore
	switch cfg.MessageDB {
	case "memory":
		mem := memstore.New()
		msgStore, userStore, groupStore = mem, mem, mem
	case "mongodb":
		primaryDB := mustOpen(cfg.MySQLDSN)
		userStore = store.NewSQLUserStore(primaryDB)
		gs := store.NewSQLGroupStore(primaryDB)
		groupStore = gs
		mongoDB, err := mongostore.Connect(cfg.MongoURI)
		if err != nil {
			panic(fmt.Sprintf("MongoDB connection failed: %v", err))
		}
		msgStore = store.NewMongoMessageStore(mongoDB, gs)
	default: // mysql
		primaryDB := mustOpen(cfg.MySQLDSN)
		userStore = store.NewSQLUserStore(primaryDB)
		groupStore = store.NewSQLGroupStore(primaryDB)
		msgStore = store.NewSQLMessageStore(primaryDB)
	}

	h := hub.New(cfg.SendBuffer)
	svc := services.NewDeliveryService(msgStore, userStore, groupStore, h)
	svc.FanoutBatchSize = cfg.FanoutBatchSize
	svc.FanoutBatchSleep = time.Duration(cfg.FanoutBatchSleepMS) * time.Millisecond
	svc.EnableMetrics = cfg.EnableMetrics

	if cfg.KafkaBrokers != "" {
		p, err := mq.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaFanoutTopic)
		if err != nil {
			log.Printf("Kafka producer init failed, falling back to inline fanout: %v", err)
		} else {
			svc.Producer = p
			defer p.Close()
		}
	}

	limiter := ratelimit.NewTokenBucketLimiter(cache.Client())
	wsServer := &ws.Server{
		JWTSecret:     cfg.JWTSecret,
		Svc:           svc,
		SendQPS:       cfg.WSSendQPS,
		SendBurst:     cfg.WSSendBurst,
		Limiter:       limiter,
		EnableMetrics: cfg.EnableMetrics,
	}

	r := api.NewRouter(&api.Deps{Cfg: cfg, Users: userStore, Groups: groupStore, Svc: svc, Hub: h, WS: wsServer})

	// TCP 镜像（可选）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go (&tcp.Server{Addr: cfg.TCPAddr, JWTSecret: cfg.JWTSecret, Svc: svc}).Start(ctx)

	log.Printf("chat_server listening: addr=%s messageDB=%s", cfg.ListenAddr, cfg.MessageDB)
	_ = r.Run(cfg.ListenAddr)
}

func mustOpen(dsn string) *sql.DB {
	db, err := sqlstore.Open(dsn)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = db.PingContext(ctx)
	if err := sqlstore.EnsureSchema(ctx, db); err != nil {
		log.Printf("EnsureSchema error: %v", err)
	}
	return db
}
