// Command miningclient runs a Kadena Chainweb mining client: it fetches
// work from a node, hashes it with a pluggable Worker implementation, and
// submits solutions back to the node. See internal/config for the full
// set of flags.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/config"
	"github.com/kadena-io/chainweb-mining-client/internal/coordinator"
	"github.com/kadena-io/chainweb-mining-client/internal/node"
	"github.com/kadena-io/chainweb-mining-client/internal/preempt"
	"github.com/kadena-io/chainweb-mining-client/internal/stratum"
	"github.com/kadena-io/chainweb-mining-client/internal/telemetry/influxmetrics"
	"github.com/kadena-io/chainweb-mining-client/internal/telemetry/kafkaevents"
	"github.com/kadena-io/chainweb-mining-client/internal/telemetry/redisnoncepool"
	"github.com/kadena-io/chainweb-mining-client/internal/worker"
	cwerrors "github.com/kadena-io/chainweb-mining-client/pkg/errors"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

const serviceName = "chainweb-mining-client"

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, _, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.New(serviceName, version, cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("mining client exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	nodeClient := node.New(node.Config{
		BaseURL:               nodeBaseURL(cfg),
		ChainwebVersion:       "mainnet01",
		TLSInsecureSkipVerify: cfg.Insecure,
		RequestTimeout:        30 * time.Second,
	}, logger)

	miner := node.MinerDescriptor{
		Account:    cfg.Account,
		Predicate:  "keys-all",
		PublicKeys: []string{cfg.PublicKey},
	}

	w, cleanup, err := buildWorker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	coord := coordinator.New(nodeClient, w, preempt.New(preempt.ImmediateStrategy{}), miner, logger)

	logger.Info("mining client starting", "node", cfg.Node, "worker", string(cfg.Worker))
	err = coord.Run(ctx)
	if err != nil && ctx.Err() != nil {
		logger.Info("mining client shutting down")
		return nil
	}
	return err
}

// nodeBaseURL builds the scheme+host+port the node client talks to from
// --node/--tls.
func nodeBaseURL(cfg *config.Config) string {
	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, cfg.Node)
}

// buildWorker constructs the worker.Worker implementation named by
// cfg.Worker, along with a cleanup function the caller must defer. For the
// Stratum worker, buildWorker also starts the server's accept loop in the
// background.
func buildWorker(ctx context.Context, cfg *config.Config, logger *log.Logger) (worker.Worker, func(), error) {
	noop := func() {}

	switch cfg.Worker {
	case config.WorkerCPU:
		threads := cfg.ThreadCount
		if threads <= 0 {
			threads = runtime.NumCPU()
		}
		return worker.New(threads, cfg.BatchSize, logger), noop, nil

	case config.WorkerExternal:
		command := worker.ParseExternalCommand(cfg.ExternalWorkerCmd)
		if len(command) == 0 {
			return nil, noop, cwerrors.New(cwerrors.ErrorTypeConfig, "build_worker", "--external-worker-cmd is required for the external worker")
		}
		return worker.NewExternal(command, 5*time.Minute, logger), noop, nil

	case config.WorkerSimulation:
		return worker.NewSimulation(cfg.SimulatedHashRate, nil, logger), noop, nil

	case config.WorkerConstantDelay:
		return worker.NewConstantDelay(cfg.ConstantDelayBlockTime, logger), noop, nil

	case config.WorkerOnDemand:
		addr := net.JoinHostPort(cfg.OnDemandInterface, strconv.Itoa(cfg.OnDemandPort))
		w := worker.NewOnDemand(addr, logger)
		cleanup := func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = w.Close(shutdownCtx)
		}
		return w, cleanup, nil

	case config.WorkerStratum:
		return buildStratumWorker(ctx, cfg, logger)

	default:
		return nil, noop, cwerrors.New(cwerrors.ErrorTypeConfig, "build_worker", fmt.Sprintf("unknown worker kind %q", cfg.Worker))
	}
}

// buildStratumWorker wires the Stratum TCP front end, its optional
// Redis-backed shared Nonce1 pool, and its optional Influx/Kafka telemetry
// sinks, then starts the server's accept loop in the background.
func buildStratumWorker(ctx context.Context, cfg *config.Config, logger *log.Logger) (worker.Worker, func(), error) {
	scfg := stratum.DefaultConfig()
	scfg.ListenAddr = net.JoinHostPort(cfg.StratumInterface, strconv.Itoa(cfg.StratumPort))
	scfg.DifficultyMode = stratumDifficultyMode(cfg.StratumDifficultyMode)
	scfg.DifficultyLevel = cfg.StratumDifficultyLevel
	scfg.DifficultyPeriod = cfg.StratumDifficultyPeriod
	scfg.NotifyInterval = cfg.StratumRate

	var server *stratum.Server
	var closers []func()

	if cfg.RedisAddr != "" {
		pool, err := redisnoncepool.New(redisnoncepool.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		}, scfg.Nonce1Width)
		if err != nil {
			return nil, func() {}, cwerrors.Wrap(err, cwerrors.ErrorTypeConfig, "build_worker", "failed to connect to redis nonce1 pool")
		}
		server = stratum.NewServerWithPool(scfg, pool, logger)
		closers = append(closers, func() { _ = pool.Close() })
	} else {
		var err error
		server, err = stratum.NewServer(scfg, logger)
		if err != nil {
			return nil, func() {}, cwerrors.Wrap(err, cwerrors.ErrorTypeConfig, "build_worker", "failed to create stratum server")
		}
	}

	if t, tcloser, ok := buildTelemetry(cfg, logger); ok {
		server.SetTelemetry(t)
		closers = append(closers, tcloser)
	}

	go func() {
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("stratum server stopped unexpectedly")
		}
	}()

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		for _, c := range closers {
			c()
		}
	}
	return server, cleanup, nil
}

func stratumDifficultyMode(mode string) stratum.DifficultyMode {
	switch mode {
	case "fixed":
		return stratum.DifficultyFixed
	case "period":
		return stratum.DifficultyPeriod
	default:
		return stratum.DifficultyBlock
	}
}

// telemetrySink adapts the optional InfluxDB and Kafka sinks to
// stratum.Telemetry; either may be nil, in which case that half of the
// observation is skipped.
type telemetrySink struct {
	influx *influxmetrics.Sink
	kafka  *kafkaevents.Publisher
}

func (t *telemetrySink) ObserveShare(sessionID, workerName string, difficulty float64, accepted bool) {
	if t.influx != nil {
		t.influx.WriteShare(sessionID, workerName, difficulty, accepted)
	}
	if t.kafka != nil && accepted {
		t.kafka.PublishShareAccepted(context.Background(), kafkaevents.ShareAccepted{
			SessionID:  sessionID,
			Worker:     workerName,
			Difficulty: difficulty,
		})
	}
}

func (t *telemetrySink) ObserveBlockSolved(sessionID, workerName string, chainID uint32) {
	if t.influx != nil {
		t.influx.WriteBlockSolved(sessionID, workerName, chainID)
	}
	if t.kafka != nil {
		t.kafka.PublishBlockSolved(context.Background(), kafkaevents.BlockSolved{
			SessionID: sessionID,
			Worker:    workerName,
			ChainID:   chainID,
		})
	}
}

// buildTelemetry wires whichever of Influx/Kafka are configured. ok is
// false (and t is nil) when neither is configured, so the caller can skip
// SetTelemetry entirely.
func buildTelemetry(cfg *config.Config, logger *log.Logger) (t stratum.Telemetry, cleanup func(), ok bool) {
	sink := &telemetrySink{}
	var closers []func()

	if cfg.InfluxURL != "" {
		s, err := influxmetrics.New(influxmetrics.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			logger.WithError(err).Warn("failed to connect to influxdb, metrics disabled")
		} else {
			sink.influx = s
			closers = append(closers, s.Close)
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub := kafkaevents.New(kafkaevents.Config{
			Brokers:            cfg.KafkaBrokers,
			ShareAcceptedTopic: cfg.KafkaShareAcceptedTopic,
			BlockSolvedTopic:   cfg.KafkaBlockSolvedTopic,
		}, logger)
		sink.kafka = pub
		closers = append(closers, func() { _ = pub.Close() })
	}

	if sink.influx == nil && sink.kafka == nil {
		return nil, func() {}, false
	}
	return sink, func() {
		for _, c := range closers {
			c()
		}
	}, true
}
