// Package source feeds telemetry payloads to the ingest stage from Kafka.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/malbeclabs/netintel/intel/internal/ingest"
	"github.com/malbeclabs/netintel/intel/internal/metrics"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

const defaultPollTimeout = 10 * time.Second

type AuthType string

const (
	AuthNone  AuthType = "none"
	AuthSCRAM AuthType = "scram"
	AuthIAM   AuthType = "iam"
)

type Config struct {
	Logger  *slog.Logger
	Brokers []string
	Topic   string
	Group   string

	Auth       AuthType
	User       string
	Password   string
	DisableTLS bool

	// PollTimeout bounds how long one Poll waits for records.
	PollTimeout time.Duration

	// client is injected by tests.
	client kafkaClient
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.client != nil {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.Group == "" {
		return errors.New("consumer group is required")
	}
	switch c.Auth {
	case "":
		c.Auth = AuthNone
	case AuthNone, AuthIAM:
	case AuthSCRAM:
		if c.User == "" || c.Password == "" {
			return errors.New("scram auth requires user and password")
		}
	default:
		return fmt.Errorf("unknown auth type %q", c.Auth)
	}
	return nil
}

// kafkaClient is the subset of kgo.Client used by Kafka.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

// Kafka consumes JSON telemetry payloads with a consumer group. Offsets are
// committed only after the ingest stage has processed a batch.
type Kafka struct {
	log    *slog.Logger
	cfg    *Config
	client kafkaClient
}

var _ ingest.Source = (*Kafka)(nil)

func NewKafka(cfg *Config) (*Kafka, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	k := &Kafka{log: cfg.Logger, cfg: cfg, client: cfg.client}
	if k.client != nil {
		return k, nil
	}
	opts := append(clientOpts(cfg),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	k.client = client
	return k, nil
}

func clientOpts(cfg *Config) []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	switch cfg.Auth {
	case AuthSCRAM:
		opts = append(opts, kgo.SASL(scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha256Mechanism()))
	case AuthIAM:
		opts = append(opts, kgo.SASL(aws.ManagedStreamingIAM(func(ctx context.Context) (aws.Auth, error) {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return aws.Auth{}, fmt.Errorf("failed to load aws config: %w", err)
			}
			creds, err := awsCfg.Credentials.Retrieve(ctx)
			if err != nil {
				return aws.Auth{}, fmt.Errorf("failed to retrieve credentials: %w", err)
			}
			return aws.Auth{
				AccessKey:    creds.AccessKeyID,
				SecretKey:    creds.SecretAccessKey,
				SessionToken: creds.SessionToken,
			}, nil
		})))
	}
	if !cfg.DisableTLS {
		opts = append(opts, kgo.DialTLS())
	}
	return opts
}

// Poll returns the payloads of one fetch. Records that cannot be decoded are
// logged and skipped; they are committed with the rest of the batch.
func (k *Kafka) Poll(ctx context.Context) ([]ingest.Payload, error) {
	pollCtx, cancel := context.WithTimeout(ctx, k.cfg.PollTimeout)
	defer cancel()

	fetches := k.client.PollFetches(pollCtx)
	if fetches.IsClientClosed() {
		return nil, errors.New("kafka client closed")
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		k.log.Error("Error during fetching", "topic", topic, "partition", partition, "error", err)
	})
	if fetches.Empty() {
		k.log.Debug("No telemetry records")
		return nil, nil
	}

	var payloads []ingest.Payload
	fetches.EachRecord(func(rec *kgo.Record) {
		p, err := ingest.DecodePayload(rec.Value)
		if err != nil {
			k.log.Warn("Skipping undecodable telemetry record", "partition", rec.Partition, "offset", rec.Offset, "error", err)
			metrics.SourceRecords.WithLabelValues("undecodable").Inc()
			return
		}
		metrics.SourceRecords.WithLabelValues("ok").Inc()
		payloads = append(payloads, p)
	})
	return payloads, nil
}

func (k *Kafka) Commit(ctx context.Context) error {
	if err := k.client.CommitUncommittedOffsets(ctx); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

func (k *Kafka) Close() {
	k.client.Close()
}

// Producer publishes telemetry payloads, for replaying files and for tests.
type Producer struct {
	client *kgo.Client
	topic  string
}

func NewProducer(cfg *Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	opts := append(clientOpts(cfg),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{client: client, topic: cfg.Topic}, nil
}

// EnsureTopic creates the topic, treating an existing topic as success.
func (p *Producer) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	adm := kadm.NewClient(p.client)
	if _, err := adm.CreateTopic(ctx, partitions, replication, nil, p.topic); err != nil {
		if strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			return nil
		}
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

// Publish writes payloads keyed by tenant and waits for acknowledgement.
func (p *Producer) Publish(ctx context.Context, payloads []ingest.Payload) error {
	records := make([]*kgo.Record, 0, len(payloads))
	for _, pl := range payloads {
		data, err := json.Marshal(pl)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		records = append(records, &kgo.Record{Topic: p.topic, Key: []byte(pl.TenantID), Value: data})
	}
	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce: %w", err)
	}
	return nil
}

func (p *Producer) Close() {
	p.client.Close()
}
