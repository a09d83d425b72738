package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// 本包封装 Redis 客户端与在线状态键：
// - 在线集合：chat:presence:online
// 未配置 Redis 时客户端为 nil，调用方应降级为本进程内的在线判断。
var (
	redisClient *redis.Client
)

func InitRedis(addr, pass string, db int) {
	if addr == "" {
		return
	}
	redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func Client() *redis.Client { return redisClient }

func OnlineUsersKey() string { return "chat:presence:online" }

// SetOnline/SetOffline 维护全局在线集合；单用户单连接，无需设备维度。
func SetOnline(ctx context.Context, userID int64) error {
	if redisClient == nil {
		return nil
	}
	return redisClient.SAdd(ctx, OnlineUsersKey(), userID).Err()
}

func SetOffline(ctx context.Context, userID int64) error {
	if redisClient == nil {
		return nil
	}
	return redisClient.SRem(ctx, OnlineUsersKey(), userID).Err()
}

func IsOnline(ctx context.Context, userID int64) (bool, error) {
	if redisClient == nil {
		return false, nil
	}
	return redisClient.SIsMember(ctx, OnlineUsersKey(), userID).Result()
}
