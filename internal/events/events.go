// Package events publishes compilation outcomes to a message bus so that
// downstream consumers can index or audit compiled contracts.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
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

	CompiledVersion = "contracts.compiled.v1"
	FailedVersion   = "contracts.failed.v1"

	DefaultCompiledTopic = "contracts.compiled.v1"
	DefaultFailedTopic   = "contracts.failed.v1"
)

const envKafkaTLS = "COMPILER_EVENTS_KAFKA_TLS"

var ErrInvalidConfig = errors.New("events: invalid config")

// Compiled is emitted after a compiled contract has been persisted.
type Compiled struct {
	Version   string    `json:"version"`
	CodeID    string    `json:"code_id"`
	Submitter string    `json:"submitter,omitempty"`
	Features  []string  `json:"features"`
	WasmBytes int       `json:"wasm_bytes"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Archived  bool      `json:"archived"`
	At        time.Time `json:"at"`
}

// Failed is emitted when a compilation job ends without a stored contract.
type Failed struct {
	Version   string    `json:"version"`
	CodeID    string    `json:"code_id"`
	Submitter string    `json:"submitter,omitempty"`
	Features  []string  `json:"features"`
	Reason    string    `json:"reason"`
	ElapsedMS int64     `json:"elapsed_ms"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	PublishCompiled(ctx context.Context, e Compiled) error
	PublishFailed(ctx context.Context, e Failed) error
	Close() error
}

type Config struct {
	Driver string

	CompiledTopic string
	FailedTopic   string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// producer is the transport below the typed publisher.
type producer interface {
	publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type publisher struct {
	producer      producer
	compiledTopic string
	failedTopic   string
}

func New(cfg Config) (Publisher, error) {
	var (
		p   producer
		err error
	)
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		p, err = newKafkaProducer(cfg)
	case DriverStdio:
		p = newStdioProducer(cfg)
	default:
		err = fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	compiled := strings.TrimSpace(cfg.CompiledTopic)
	if compiled == "" {
		compiled = DefaultCompiledTopic
	}
	failed := strings.TrimSpace(cfg.FailedTopic)
	if failed == "" {
		failed = DefaultFailedTopic
	}
	return &publisher{producer: p, compiledTopic: compiled, failedTopic: failed}, nil
}

func (p *publisher) PublishCompiled(ctx context.Context, e Compiled) error {
	e.Version = CompiledVersion
	if e.Features == nil {
		e.Features = []string{}
	}
	return p.send(ctx, p.compiledTopic, e.CodeID, e)
}

func (p *publisher) PublishFailed(ctx context.Context, e Failed) error {
	e.Version = FailedVersion
	if e.Features == nil {
		e.Features = []string{}
	}
	return p.send(ctx, p.failedTopic, e.CodeID, e)
}

func (p *publisher) send(ctx context.Context, topic, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := p.producer.publish(ctx, topic, []byte(key), payload); err != nil {
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}
	return nil
}

func (p *publisher) Close() error {
	return p.producer.Close()
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// SplitCommaList parses a comma separated broker list, dropping blanks.
func SplitCommaList(s string) []string {
	out := make([]string, 0)
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func kafkaTLSEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg Config) (producer, error) {
	brokers := SplitCommaList(strings.Join(cfg.Brokers, ","))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidConfig)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSEnabled() {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	return &kafkaProducer{writer: writer}, nil
}

func (p *kafkaProducer) publish(ctx context.Context, topic string, key, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

// stdioProducer writes one JSON document per line.
type stdioProducer struct {
	w io.Writer
	m sync.Mutex
}

func newStdioProducer(cfg Config) producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) publish(_ context.Context, _ string, _ []byte, payload []byte) error {
	p.m.Lock()
	defer p.m.Unlock()

	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')
	_, err := p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error {
	return nil
}
