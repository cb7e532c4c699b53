// Package producer hands relay events to the offline notification pipeline
// over RocketMQ.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"yuim/im-relay/pkg/event"
)

var ErrNilEvent = errors.New("producer: nil event")

type Settings struct {
	// NameServer accepts a comma-separated list.
	NameServer string
	Topic      string
	// Tag is the default tag; Tags overrides it per event name.
	Tag       string
	Tags      map[string]string
	Group     string
	AccessKey string
	SecretKey string
	Retries   int
	Timeout   time.Duration
}

// sender is the subset of rmq.Producer used here.
type sender interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
	Shutdown() error
}

type RocketMQProducer struct {
	cfg Settings
	out sender
}

func (s Settings) validate() error {
	var missing []string
	if strings.TrimSpace(s.NameServer) == "" {
		missing = append(missing, "name_server")
	}
	if s.Group == "" {
		missing = append(missing, "producer_group")
	}
	if s.Topic == "" {
		missing = append(missing, "topic")
	}
	if len(missing) > 0 {
		return fmt.Errorf("rocketmq: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func NewRocketMQ(cfg Settings) (*RocketMQProducer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	var servers []string
	for _, ns := range strings.Split(cfg.NameServer, ",") {
		if ns = strings.TrimSpace(ns); ns != "" {
			servers = append(servers, ns)
		}
	}
	opts := []producer.Option{
		producer.WithNameServer(servers),
		producer.WithGroupName(cfg.Group),
		producer.WithRetry(cfg.Retries),
		producer.WithSendMsgTimeout(cfg.Timeout),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, producer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}))
	}
	p, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, fmt.Errorf("rocketmq: new producer: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("rocketmq: start producer: %w", err)
	}
	return &RocketMQProducer{cfg: cfg, out: p}, nil
}

func (r *RocketMQProducer) tagFor(name string) string {
	if t, ok := r.cfg.Tags[name]; ok {
		return t
	}
	return r.cfg.Tag
}

// Encode stamps TS when unset and builds the MQ message for evt, keyed by
// conversation so consumers can order per conversation.
func Encode(topic, tag string, evt *event.ImEvent) (*primitive.Message, error) {
	if evt == nil {
		return nil, ErrNilEvent
	}
	if evt.TS == 0 {
		evt.TS = time.Now().Unix()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("producer: encode %s: %w", evt.Event, err)
	}
	m := primitive.NewMessage(topic, body)
	if tag != "" {
		m.WithTag(tag)
	}
	if evt.ConvID != "" {
		m.WithKeys([]string{evt.ConvID})
	}
	return m, nil
}

// Publish sends evt synchronously. A broker-side non-OK status is an error.
func (r *RocketMQProducer) Publish(ctx context.Context, evt *event.ImEvent) error {
	if evt == nil {
		return ErrNilEvent
	}
	m, err := Encode(r.cfg.Topic, r.tagFor(evt.Event), evt)
	if err != nil {
		return err
	}
	res, err := r.out.SendSync(ctx, m)
	if err != nil {
		return fmt.Errorf("rocketmq: send %s: %w", evt.Event, err)
	}
	if res != nil && res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq: send %s: status %d", evt.Event, res.Status)
	}
	return nil
}

func (r *RocketMQProducer) Close() error {
	if r.out == nil {
		return nil
	}
	return r.out.Shutdown()
}
