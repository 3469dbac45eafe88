package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

const (
	// Exchange 名称
	EventExchange      = "giftcard.events.exchange"
	DeadLetterExchange = "giftcard.events.dlx"
	NotifyExchange     = "giftcard.notify.exchange"

	// Queue 名称
	EventQueue      = "giftcard.events.queue"
	DeadLetterQueue = "giftcard.events.dead"
	NotifyQueue     = "giftcard.notify.queue"

	// Routing Key
	EventRoutingKey      = "order.event"
	DeadLetterRoutingKey = "order.event.dead"
	NotifyRoutingKey     = "giftcard.notify"

	// 重连配置
	reconnectDelay = 3 * time.Second
	maxReconnect   = 0 // 0 表示无限重连

	publishTimeout = 5 * time.Second
)

// 通知类型
const (
	NotifyCardShortfall      = "card_shortfall"
	NotifyAssignMissingFail  = "assign_missing_failed"
	NotifyCardsAssigned      = "cards_assigned"
	NotifyCardsReturnedAfter = "cards_returned_after_delivery"
)

// NotifyMessage 缺卡/分配结果通知
type NotifyMessage struct {
	Type      string `json:"type"`
	OrderID   uint64 `json:"order_id"`
	ProductID uint64 `json:"product_id"`
	Requested int    `json:"requested"`
	Assigned  int    `json:"assigned"`
	Missing   int    `json:"missing"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// RabbitMQ 封装（支持自动重连）
type RabbitMQ struct {
	url string

	conn    *amqp.Connection
	channel *amqp.Channel

	mu          sync.RWMutex
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once
}

// NewRabbitMQ 创建 RabbitMQ 连接并声明拓扑
func NewRabbitMQ(url string) (*RabbitMQ, error) {
	r := &RabbitMQ{
		url:  url,
		done: make(chan struct{}),
	}

	if err := r.connect(); err != nil {
		return nil, err
	}

	go r.monitorConnection()

	return r, nil
}

// connect 建立连接
func (r *RabbitMQ) connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := amqp.Dial(r.url)
	if err != nil {
		return fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("打开 Channel 失败: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	r.conn = conn
	r.channel = ch
	r.isConnected = true

	log.Info("RabbitMQ 连接成功")
	return nil
}

// monitorConnection 监控连接状态，断开时自动重连
func (r *RabbitMQ) monitorConnection() {
	for {
		select {
		case <-r.done:
			return
		default:
		}

		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()

		if conn == nil {
			time.Sleep(reconnectDelay)
			continue
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-r.done:
			return
		case err := <-notifyClose:
			if err != nil {
				log.WithError(err).Warn("RabbitMQ 连接断开")
			}

			r.mu.Lock()
			r.isConnected = false
			r.mu.Unlock()

			r.reconnect()
		}
	}
}

// reconnect 重连逻辑
func (r *RabbitMQ) reconnect() {
	attempt := 0
	for {
		select {
		case <-r.done:
			return
		default:
		}

		attempt++
		log.Infof("RabbitMQ 尝试重连 (第 %d 次)...", attempt)

		if err := r.connect(); err != nil {
			log.WithError(err).Warn("RabbitMQ 重连失败")
			time.Sleep(reconnectDelay)

			if maxReconnect > 0 && attempt >= maxReconnect {
				log.Errorf("RabbitMQ 重连次数达到上限 (%d)，停止重连", maxReconnect)
				return
			}
			continue
		}

		log.Info("RabbitMQ 重连成功")
		return
	}
}

// declareTopology 声明所有 exchange 和 queue。
// 事件队列被拒绝（不重回队列）的消息进入死信队列，供人工排查，不做自动重试。
func declareTopology(ch *amqp.Channel) error {
	for _, name := range []string{EventExchange, DeadLetterExchange, NotifyExchange} {
		if err := ch.ExchangeDeclare(name, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("声明 %s 失败: %w", name, err)
		}
	}

	queues := []struct {
		name       string
		routingKey string
		exchange   string
		args       amqp.Table
	}{
		{EventQueue, EventRoutingKey, EventExchange, amqp.Table{
			"x-dead-letter-exchange":    DeadLetterExchange,
			"x-dead-letter-routing-key": DeadLetterRoutingKey,
		}},
		{DeadLetterQueue, DeadLetterRoutingKey, DeadLetterExchange, nil},
		{NotifyQueue, NotifyRoutingKey, NotifyExchange, nil},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("声明 %s 失败: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.routingKey, q.exchange, false, nil); err != nil {
			return fmt.Errorf("绑定 %s 失败: %w", q.name, err)
		}
	}
	return nil
}

// IsConnected 检查是否已连接
func (r *RabbitMQ) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isConnected
}

func (r *RabbitMQ) readyChannel() (*amqp.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.isConnected {
		return nil, fmt.Errorf("RabbitMQ 未连接")
	}
	return r.channel, nil
}

func (r *RabbitMQ) publishJSON(exchange, routingKey string, v interface{}) error {
	ch, err := r.readyChannel()
	if err != nil {
		return err
	}

	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

// PublishEvent 发布订单生命周期事件（电商系统侧或运维工具使用）
func (r *RabbitMQ) PublishEvent(event interface{}) error {
	return r.publishJSON(EventExchange, EventRoutingKey, event)
}

// PublishNotify 发送缺卡/分配结果通知
func (r *RabbitMQ) PublishNotify(msg *NotifyMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	return r.publishJSON(NotifyExchange, NotifyRoutingKey, msg)
}

// ConsumeEvents 消费订单事件队列（手动 ack）
func (r *RabbitMQ) ConsumeEvents() (<-chan amqp.Delivery, error) {
	ch, err := r.readyChannel()
	if err != nil {
		return nil, err
	}

	// 每次只预取一条，保证同一消费者上的事件按顺序处理
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("设置 Qos 失败: %w", err)
	}

	consumerTag := "giftcard-events-" + uuid.NewString()
	return ch.Consume(EventQueue, consumerTag, false, false, false, false, nil)
}

// ConsumeNotify 消费通知队列（运维工具使用，自动 ack）
func (r *RabbitMQ) ConsumeNotify() (<-chan amqp.Delivery, error) {
	ch, err := r.readyChannel()
	if err != nil {
		return nil, err
	}
	return ch.Consume(NotifyQueue, "giftcard-notify-"+uuid.NewString(), true, false, false, false, nil)
}

// Close 关闭连接
func (r *RabbitMQ) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			log.WithError(err).Warn("关闭 RabbitMQ channel 失败")
		}
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			log.WithError(err).Warn("关闭 RabbitMQ 连接失败")
		}
	}
	r.isConnected = false
}
