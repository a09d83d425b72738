// receipt_consumer 消费群消息扇出事件，按群成员批量写入 pending 投递回执。
// 大群场景下将回执写入从发送路径剥离；回执为 upsert，与服务端的
// 在线投递标记顺序无关。
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-chat/internal/config"
	"go-chat/internal/mq"
	"go-chat/internal/store"
	"go-chat/internal/store/sqlstore"

	"github.com/IBM/sarama"
)

type handler struct {
	ctx        context.Context
	messages   *store.SQLMessageStore
	groups     *store.SQLGroupStore
	batchSize  int
	batchSleep time.Duration
}

func (h *handler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }
func (h *handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var evt mq.FanoutEvent
		if err := json.Unmarshal(msg.Value, &evt); err == nil {
			h.fanout(&evt)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

// fanout 列出群成员（剔除发送者），分批写入 pending 回执并限速。
func (h *handler) fanout(evt *mq.FanoutEvent) {
	ids, err := h.groups.ListMemberIDs(h.ctx, evt.GroupID)
	if err != nil {
		log.Printf("fanout list members error: group=%d err=%v", evt.GroupID, err)
		return
	}
	recipients := make([]int64, 0, len(ids))
	for _, uid := range ids {
		if uid != evt.SenderID {
			recipients = append(recipients, uid)
		}
	}
	batch := h.batchSize
	if batch <= 0 {
		batch = 500
	}
	sleep := h.batchSleep
	if sleep <= 0 {
		sleep = 50 * time.Millisecond
	}
	for i := 0; i < len(recipients); i += batch {
		end := i + batch
		if end > len(recipients) {
			end = len(recipients)
		}
		if err := h.messages.AddReceipts(h.ctx, evt.MessageID, recipients[i:end]); err != nil {
			log.Printf("fanout add receipts error: msg=%d err=%v", evt.MessageID, err)
		}
		time.Sleep(sleep)
	}
	log.Printf("fanout done: group=%d msg=%d members=%d", evt.GroupID, evt.MessageID, len(recipients))
}

func main() {
	cfg := config.Load()
	if cfg.KafkaBrokers == "" {
		log.Fatal("CHAT_KAFKA_BROKERS is required")
	}

	db := mustOpen(cfg.MySQLDSN)
	ctx, cancel := context.WithCancel(context.Background())
	h := &handler{
		ctx:        ctx,
		messages:   store.NewSQLMessageStore(db),
		groups:     store.NewSQLGroupStore(db),
		batchSize:  cfg.FanoutBatchSize,
		batchSleep: time.Duration(cfg.FanoutBatchSleepMS) * time.Millisecond,
	}

	client, err := sarama.NewConsumerGroup(splitCSV(cfg.KafkaBrokers), "chat-receipt-consumer", sarama.NewConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	topic := cfg.KafkaFanoutTopic
	go func() {
		for {
			if err := client.Consume(ctx, []string{topic}, h); err != nil {
				log.Printf("consume error: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}

func mustOpen(dsn string) *sql.DB {
	db, err := sqlstore.Open(dsn)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = db.PingContext(ctx)
	return db
}

func splitCSV(s string) []string {
	var out []string
	var cur string
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
		} else {
			cur += string(s[i])
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
