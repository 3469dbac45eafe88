package service

import (
	"context"
	"time"

	"giftcard-inventory/internal/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// EventSource 订单事件队列
type EventSource interface {
	IsConnected() bool
	ConsumeEvents() (<-chan amqp.Delivery, error)
}

// EventConsumer 从 MQ 消费订单事件并同步分发给库存状态机。
// 处理失败的消息直接拒绝进入死信队列，不在消费端重试。
type EventConsumer struct {
	source  EventSource
	handler OrderEventHandler
	metrics *metrics.Metrics
	retry   time.Duration
}

func NewEventConsumer(source EventSource, handler OrderEventHandler, m *metrics.Metrics) *EventConsumer {
	return &EventConsumer{
		source:  source,
		handler: handler,
		metrics: m,
		retry:   2 * time.Second,
	}
}

// Start 启动消费者（支持自动重连后重新订阅）
func (c *EventConsumer) Start(ctx context.Context) {
	go c.run(ctx)
	log.Info("订单事件消费者已启动")
}

// run 运行消费者，支持重连后重新订阅
func (c *EventConsumer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info("订单事件消费者已停止")
			return
		default:
		}

		// 等待 MQ 连接就绪
		if !c.source.IsConnected() {
			c.sleep(ctx, time.Second)
			continue
		}

		msgs, err := c.source.ConsumeEvents()
		if err != nil {
			log.WithError(err).Warn("订阅订单事件队列失败，等待重连...")
			c.sleep(ctx, c.retry)
			continue
		}

		log.Info("订单事件队列订阅成功")
		c.consume(ctx, msgs)

		log.Info("订单事件通道已关闭，等待重连...")
		c.sleep(ctx, c.retry)
	}
}

func (c *EventConsumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// consume 消费消息，直到 ctx 取消或通道关闭
func (c *EventConsumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := c.handle(ctx, msg.Body); err != nil {
				if nackErr := msg.Nack(false, false); nackErr != nil {
					log.WithError(nackErr).Warn("拒绝消息失败")
				}
				continue
			}
			if err := msg.Ack(false); err != nil {
				log.WithError(err).Warn("确认消息失败")
			}
		}
	}
}

// handle 解析并分发一条事件。处理器的错误只记录，不会向电商系统回滚订单。
func (c *EventConsumer) handle(ctx context.Context, body []byte) error {
	event, err := DecodeEvent(body)
	if err != nil {
		log.WithError(err).WithField("body", string(body)).Warn("丢弃无效的订单事件")
		c.metrics.EventHandled("invalid", err)
		return err
	}

	err = Dispatch(ctx, c.handler, event)
	c.metrics.EventHandled(event.Type, err)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"type":       event.Type,
			"order_id":   event.OrderID,
			"product_id": event.ProductID,
		}).Warn("处理订单事件失败")
		return err
	}
	return nil
}
