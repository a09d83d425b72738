package mq

import (
	"strconv"
	"strings"

	"github.com/IBM/sarama"
)

// FanoutEvent 是群消息回执扇出事件：消费者按群成员批量写入 pending 回执。
type FanoutEvent struct {
	MessageID int64 `json:"message_id"`
	GroupID   int64 `json:"group_id"`
	SenderID  int64 `json:"sender_id"`
	TS        int64 `json:"ts"`
}

// KafkaProducer 简易封装
type KafkaProducer struct {
	Async sarama.AsyncProducer
	Topic string
}

func NewKafkaProducer(brokersCSV, topic string) (*KafkaProducer, error) {
	brokers := []string{}
	if brokersCSV != "" {
		brokers = strings.Split(brokersCSV, ",")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = false
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaProducer{Async: p, Topic: topic}, nil
}

// Publish 以 groupID 为分区键发布，保证同群事件有序消费。
func (p *KafkaProducer) Publish(value []byte, groupID int64) {
	if p == nil || p.Async == nil {
		return
	}
	key := sarama.StringEncoder(strconv.FormatInt(groupID, 10))
	p.Async.Input() <- &sarama.ProducerMessage{Topic: p.Topic, Key: key, Value: sarama.ByteEncoder(value)}
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.Async == nil {
		return nil
	}
	return p.Async.Close()
}
