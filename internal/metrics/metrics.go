package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_messages_total", Help: "已接收消息数"},
		[]string{"kind"},
	)
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_deliveries_total", Help: "成功下发帧数"},
		[]string{"path"}, // live 或 replay
	)
	WSConnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chat_ws_connects_total", Help: "WS 连接建立数"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "chat_send_latency_ms", Help: "消息发送端到端延迟(近似)", Buckets: prometheus.LinearBuckets(5, 5, 20)},
	)
)

func Init() {
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(WSConnectsTotal)
	prometheus.MustRegister(SendLatency)
}
