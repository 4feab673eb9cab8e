// Package queue moves transfer requests and progress events over Kafka, or over newline-delimited
// stdio for local runs.
package queue

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const (
	defaultMaxLineBytes = 1 << 20
	defaultMinBytes     = 1
	defaultMaxBytes     = 10 << 20
	defaultBatchTimeout = 10 * time.Millisecond
)

var ErrInvalidConfig = errors.New("queue: invalid config")

// Record is an outgoing message. Key selects the Kafka partition, so all events of one transfer
// stay ordered when keyed by its ID.
type Record struct {
	Topic string
	Key   []byte
	Value []byte
}

// Message is a delivered record. It must be acked once handled; unacked Kafka messages are
// redelivered to the group.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time

	ack func(context.Context) error
}

func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

type Producer interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	Brokers  []string
	TLS      bool
	Group    string
	Topics   []string
	MinBytes int
	MaxBytes int

	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	Brokers      []string
	TLS          bool
	BatchTimeout time.Duration

	Writer io.Writer
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch driver(cfg.Driver) {
	case DriverKafka:
		c, err := newKafkaConsumer(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case DriverStdio:
		return newLineConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch driver(cfg.Driver) {
	case DriverKafka:
		p, err := newKafkaProducer(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverStdio:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return &lineProducer{w: w}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func driver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// SplitList splits a comma separated flag value, dropping blanks.
func SplitList(s string) []string {
	return compact(strings.Split(s, ","))
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func tlsConfig() *tls.Config { return &tls.Config{MinVersion: tls.VersionTLS12} }

type kafkaConsumer struct {
	reader *kafka.Reader
	seq    *Sequencer
	msgs   chan Message
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (*kafkaConsumer, error) {
	brokers := compact(cfg.Brokers)
	topics := compact(cfg.Topics)
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("%w: kafka consumer needs brokers", ErrInvalidConfig)
	case group == "":
		return nil, fmt.Errorf("%w: kafka consumer needs a group", ErrInvalidConfig)
	case len(topics) == 0:
		return nil, fmt.Errorf("%w: kafka consumer needs topics", ErrInvalidConfig)
	}
	minBytes, maxBytes := cfg.MinBytes, cfg.MaxBytes
	if minBytes <= 0 {
		minBytes = defaultMinBytes
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if maxBytes < minBytes {
		return nil, fmt.Errorf("%w: max bytes below min bytes", ErrInvalidConfig)
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if cfg.TLS {
		rc.Dialer = &kafka.Dialer{Timeout: 10 * time.Second, TLS: tlsConfig()}
	}

	ctx, cancel := context.WithCancel(parent)
	reader := kafka.NewReader(rc)
	c := &kafkaConsumer{
		reader: reader,
		seq: NewSequencer(func(ctx context.Context, topic string, partition int, offset int64) error {
			return reader.CommitMessages(ctx, kafka.Message{Topic: topic, Partition: partition, Offset: offset})
		}),
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.loop(ctx)
	return c, nil
}

func (c *kafkaConsumer) loop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgs)
	defer close(c.errs)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			select {
			case c.errs <- err:
			case <-ctx.Done():
				return
			}
			continue
		}
		msg := c.seq.Message(km.Topic, km.Partition, km.Offset,
			append([]byte(nil), km.Key...), append([]byte(nil), km.Value...), km.Time)
		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgs }
func (c *kafkaConsumer) Errors() <-chan error     { return c.errs }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

// lineConsumer reads one message per line. Lines are acked implicitly.
type lineConsumer struct {
	msgs   chan Message
	errs   chan error
	cancel context.CancelFunc
	once   sync.Once
}

func newLineConsumer(parent context.Context, cfg ConsumerConfig) *lineConsumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	ctx, cancel := context.WithCancel(parent)
	c := &lineConsumer{
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
	}
	go func() {
		defer close(c.msgs)
		defer close(c.errs)

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 1024), maxLine)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			select {
			case c.msgs <- Message{Value: []byte(line), Timestamp: time.Now().UTC()}:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case c.errs <- err:
			case <-ctx.Done():
			}
		}
	}()
	return c
}

func (c *lineConsumer) Messages() <-chan Message { return c.msgs }
func (c *lineConsumer) Errors() <-chan error     { return c.errs }

func (c *lineConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

type kafkaProducer struct {
	w *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (*kafkaProducer, error) {
	brokers := compact(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer needs brokers", ErrInvalidConfig)
	}
	bt := cfg.BatchTimeout
	if bt <= 0 {
		bt = defaultBatchTimeout
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: bt,
		RequiredAcks: kafka.RequireAll,
	}
	if cfg.TLS {
		w.Transport = &kafka.Transport{TLS: tlsConfig()}
	}
	return &kafkaProducer{w: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, rec Record) error {
	topic := strings.TrimSpace(rec.Topic)
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	return p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: rec.Key, Value: rec.Value})
}

func (p *kafkaProducer) Close() error { return p.w.Close() }

// lineProducer writes each record value as one line. Topic and key are dropped.
type lineProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *lineProducer) Publish(_ context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := make([]byte, 0, len(rec.Value)+1)
	line = append(line, rec.Value...)
	line = append(line, '\n')
	_, err := p.w.Write(line)
	return err
}

func (p *lineProducer) Close() error { return nil }
