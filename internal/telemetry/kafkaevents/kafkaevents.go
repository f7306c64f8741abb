// Package kafkaevents publishes accepted-share and solved-block events to
// Kafka for external analytics consumers (payout engines, dashboards).
// This is the observability analogue of the node's submit_work call: it
// never blocks mining and its errors are logged, not propagated.
package kafkaevents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kadena-io/chainweb-mining-client/pkg/circuit"
	"github.com/kadena-io/chainweb-mining-client/pkg/errors"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
	"github.com/kadena-io/chainweb-mining-client/pkg/retry"
)

// ShareAcceptedTopic and BlockSolvedTopic are the default topic names; both
// are overridable via Config.
const (
	ShareAcceptedTopic = "chainweb-mining-client.share-accepted"
	BlockSolvedTopic   = "chainweb-mining-client.block-solved"
)

// Config configures a Publisher.
type Config struct {
	Brokers            []string
	ShareAcceptedTopic string
	BlockSolvedTopic   string
}

// ShareAccepted is published whenever a Stratum session's submitted share
// passes the session's effective difficulty target.
type ShareAccepted struct {
	SessionID  string    `json:"session_id"`
	Worker     string    `json:"worker"`
	JobID      string    `json:"job_id"`
	Difficulty float64   `json:"difficulty"`
	Time       time.Time `json:"time"`
}

// BlockSolved is published whenever a share also meets the network target
// and is submitted to the node.
type BlockSolved struct {
	SessionID string    `json:"session_id"`
	Worker    string    `json:"worker"`
	ChainID   uint32    `json:"chain_id"`
	Time      time.Time `json:"time"`
}

// Publisher writes domain events to Kafka as JSON, one writer per topic,
// wrapped in the same circuit breaker + retry policy used for node calls.
type Publisher struct {
	shareWriter *kafka.Writer
	blockWriter *kafka.Writer

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// New creates a Publisher. It does not dial Kafka eagerly: kafka-go writers
// connect lazily on the first WriteMessages call.
func New(cfg Config, logger *log.Logger) *Publisher {
	shareTopic := cfg.ShareAcceptedTopic
	if shareTopic == "" {
		shareTopic = ShareAcceptedTopic
	}
	blockTopic := cfg.BlockSolvedTopic
	if blockTopic == "" {
		blockTopic = BlockSolvedTopic
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true, // events are best-effort; never block the caller
			BatchSize:    50,
			BatchTimeout: 50 * time.Millisecond,
		}
	}

	return &Publisher{
		shareWriter:    newWriter(shareTopic),
		blockWriter:    newWriter(blockTopic),
		circuitBreaker: circuit.New(nil),
		retryConfig:    retry.NetworkConfig(),
		logger:         logger.WithComponent("kafkaevents"),
	}
}

// Close flushes and closes both underlying writers.
func (p *Publisher) Close() error {
	shareErr := p.shareWriter.Close()
	blockErr := p.blockWriter.Close()
	if shareErr != nil {
		return shareErr
	}
	return blockErr
}

// PublishShareAccepted publishes event asynchronously; failures are logged
// and never returned to the mining hot path.
func (p *Publisher) PublishShareAccepted(ctx context.Context, event ShareAccepted) {
	go p.publish(ctx, p.shareWriter, event.SessionID, event)
}

// PublishBlockSolved publishes event asynchronously; failures are logged
// and never returned to the mining hot path.
func (p *Publisher) PublishBlockSolved(ctx context.Context, event BlockSolved) {
	go p.publish(ctx, p.blockWriter, event.SessionID, event)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, key string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Warn("failed to marshal telemetry event")
		return
	}

	err = p.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			msg := kafka.Message{Key: []byte(key), Value: data, Time: time.Now()}
			if err := writer.WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_event", "failed to publish telemetry event").
					WithContext("topic", writer.Topic)
			}
			return nil
		})
	})
	if err != nil {
		p.logger.WithError(err).Warn("telemetry event publish failed")
	}
}
