package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	TCPAddr    string `yaml:"tcpAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MySQLDSN   string `yaml:"mysqlDSN"`
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`

	// JWT 有效期（小时）
	JWTExpiryHours int `yaml:"jwtExpiryHours"`

	// 消息存储选择：mysql、mongodb 或 memory（单机/测试）
	MessageDB string `yaml:"messageDB"`

	// Kafka 配置（可选）：群消息回执扇出
	KafkaBrokers     string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaFanoutTopic string `yaml:"kafkaFanoutTopic"`

	// 群成员批量参数
	FanoutBatchSize    int `yaml:"fanoutBatchSize"`
	FanoutBatchSleepMS int `yaml:"fanoutBatchSleepMS"`

	// 速率限制（WS 发送）
	WSSendQPS   int `yaml:"wsSendQPS"`
	WSSendBurst int `yaml:"wsSendBurst"`

	// 每连接下发缓冲（帧数）
	SendBuffer int `yaml:"sendBuffer"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8080",
		TCPAddr:    "",
		RedisAddr:  "",
		MySQLDSN:   "root:password@tcp(127.0.0.1:3306)/gochat?parseTime=true&loc=Local&charset=utf8mb4",
		MongoURI:   "mongodb://127.0.0.1:27017/gochat",
		JWTSecret:  "change-me-in-prod",

		JWTExpiryHours: 72,

		MessageDB: "mysql",

		KafkaBrokers:     "",
		KafkaFanoutTopic: "chat-receipt-fanout",

		FanoutBatchSize:    500,
		FanoutBatchSleepMS: 50,

		WSSendQPS:   20,
		WSSendBurst: 40,

		SendBuffer:    256,
		EnableMetrics: true,
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("CHAT_CONFIG_FILE", "config.yml")
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}

	setStr("CHAT_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("CHAT_TCP_ADDR", &cfg.TCPAddr)
	setStr("CHAT_REDIS_ADDR", &cfg.RedisAddr)
	setStr("CHAT_REDIS_PASS", &cfg.RedisPass)
	setInt("CHAT_REDIS_DB", &cfg.RedisDB)
	setStr("CHAT_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("CHAT_MONGO_URI", &cfg.MongoURI)
	setStr("CHAT_JWT_SECRET", &cfg.JWTSecret)
	setInt("CHAT_JWT_EXPIRY_HOURS", &cfg.JWTExpiryHours)

	setStr("CHAT_MESSAGE_DB", &cfg.MessageDB)

	setStr("CHAT_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("CHAT_KAFKA_FANOUT_TOPIC", &cfg.KafkaFanoutTopic)

	setInt("CHAT_FANOUT_BATCH_SIZE", &cfg.FanoutBatchSize)
	setInt("CHAT_FANOUT_BATCH_SLEEP_MS", &cfg.FanoutBatchSleepMS)

	setInt("CHAT_WS_SEND_QPS", &cfg.WSSendQPS)
	setInt("CHAT_WS_SEND_BURST", &cfg.WSSendBurst)
	setInt("CHAT_SEND_BUFFER", &cfg.SendBuffer)
	setBool("CHAT_ENABLE_METRICS", &cfg.EnableMetrics)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
