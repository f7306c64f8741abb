// Package influxmetrics writes session hashrate and share accept/reject
// counts to InfluxDB, as an optional, fire-and-forget observability sink.
package influxmetrics

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kadena-io/chainweb-mining-client/pkg/errors"
)

// Config holds InfluxDB connection configuration.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Sink writes mining telemetry points to InfluxDB using its asynchronous
// write API; Write* calls never block on network I/O.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
}

// New creates a Sink and verifies connectivity with one health check.
func New(cfg Config) (*Sink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "influxmetrics_connect", "failed to check influxdb health")
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, errors.New(errors.ErrorTypeNetwork, "influxmetrics_connect", "influxdb health check failed").WithContext("message", msg)
	}

	return &Sink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
	}, nil
}

// Close flushes pending points and closes the underlying connection.
func (s *Sink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// WriteHashrate records a hashrate sample (hashes/second) for a session,
// as supplied by the caller.
func (s *Sink) WriteHashrate(sessionID string, workerName string, hashrate float64) {
	tags := map[string]string{
		"session": sessionID,
		"worker":  workerName,
	}
	fields := map[string]interface{}{"hashrate": hashrate}
	s.writeAPI.WritePoint(write.NewPoint("hashrate", tags, fields, time.Now()))
}

// WriteShare records a single share submission outcome.
func (s *Sink) WriteShare(sessionID, workerName string, difficulty float64, accepted bool) {
	tags := map[string]string{
		"session":  sessionID,
		"worker":   workerName,
		"accepted": fmt.Sprintf("%t", accepted),
	}
	fields := map[string]interface{}{
		"difficulty": difficulty,
		"count":      1,
	}
	s.writeAPI.WritePoint(write.NewPoint("shares", tags, fields, time.Now()))
}

// WriteBlockSolved records a winning share that also met the network
// target, i.e. a block submitted to the node.
func (s *Sink) WriteBlockSolved(sessionID, workerName string, chainID uint32) {
	tags := map[string]string{
		"session": sessionID,
		"worker":  workerName,
	}
	fields := map[string]interface{}{
		"chain_id": chainID,
		"count":    1,
	}
	s.writeAPI.WritePoint(write.NewPoint("blocks", tags, fields, time.Now()))
}
