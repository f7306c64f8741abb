// Package config loads the mining client's configuration from command
// line flags, config files (YAML, TOML, JSON), and environment variables,
// applying the precedence CLI > config file > environment > defaults.
package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	toml "github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	cwerrors "github.com/kadena-io/chainweb-mining-client/pkg/errors"
)

// WorkerKind selects one of the pluggable worker.Worker implementations.
type WorkerKind string

const (
	WorkerCPU           WorkerKind = "cpu"
	WorkerExternal      WorkerKind = "external"
	WorkerStratum       WorkerKind = "stratum"
	WorkerSimulation    WorkerKind = "simulation"
	WorkerConstantDelay WorkerKind = "constant-delay"
	WorkerOnDemand      WorkerKind = "on-demand"
)

// Options is the full set of CLI flags, bound via go-flags struct tags. Env
// tags give each flag an automatic environment-variable fallback; the
// config-file layer (below) sits between the CLI and those env defaults.
type Options struct {
	Node      string `long:"node" env:"MINING_NODE" description:"Chainweb node HOST:PORT" default:"localhost:1848"`
	TLS       bool   `long:"tls" env:"MINING_TLS" description:"use HTTPS when talking to the node"`
	Insecure  bool   `long:"insecure" env:"MINING_INSECURE" description:"skip TLS certificate verification"`
	PublicKey string `long:"public-key" env:"MINING_PUBLIC_KEY" description:"miner public key, hex-encoded"`
	Account   string `long:"account" env:"MINING_ACCOUNT" description:"miner account string"`
	Worker    string `long:"worker" env:"MINING_WORKER" description:"worker implementation: cpu, external, stratum, simulation, constant-delay, on-demand" default:"cpu"`
	LogLevel  string `long:"log-level" env:"MINING_LOG_LEVEL" description:"error, warn, info, debug, or trace" default:"info"`
	LogFormat string `long:"log-format" env:"MINING_LOG_FORMAT" description:"json or text" default:"json"`

	ThreadCount int `long:"thread-count" env:"MINING_THREAD_COUNT" description:"CPU worker: number of mining goroutines (0 = NumCPU)"`
	BatchSize   int `long:"batch-size" env:"MINING_BATCH_SIZE" description:"CPU worker: nonces hashed per cancellation check"`

	ExternalWorkerCmd string `long:"external-worker-cmd" env:"MINING_EXTERNAL_WORKER_CMD" description:"external worker: subprocess command line"`

	StratumPort       int    `long:"stratum-port" env:"MINING_STRATUM_PORT" description:"Stratum server: listen port" default:"1917"`
	StratumInterface  string `long:"stratum-interface" env:"MINING_STRATUM_INTERFACE" description:"Stratum server: listen interface" default:"0.0.0.0"`
	StratumDifficulty string `long:"stratum-difficulty" env:"MINING_STRATUM_DIFFICULTY" description:"block | <level> | period:<seconds>" default:"block"`
	StratumRate       int    `long:"stratum-rate" env:"MINING_STRATUM_RATE" description:"Stratum server: job notify throttle, milliseconds" default:"1000"`

	HashRate string `long:"hash-rate" env:"MINING_HASH_RATE" description:"simulation worker: simulated hash rate, e.g. 100Mh, 2Gh, 500Kih" default:"1Mh"`

	ConstantDelayBlockTime int `long:"constant-delay-block-time" env:"MINING_CONSTANT_DELAY_BLOCK_TIME" description:"constant-delay worker: seconds per solved block" default:"30"`

	OnDemandPort      int    `long:"on-demand-port" env:"MINING_ON_DEMAND_PORT" description:"on-demand worker: HTTP trigger port" default:"1916"`
	OnDemandInterface string `long:"on-demand-interface" env:"MINING_ON_DEMAND_INTERFACE" description:"on-demand worker: HTTP trigger interface" default:"127.0.0.1"`

	ConfigFile []string `long:"config-file" env:"MINING_CONFIG_FILE" description:"path or URL to a config file (repeatable; later files override earlier ones)"`

	GenerateKey bool `long:"generate-key" description:"generate an ed25519 key pair, print it, and exit"`
	PrintConfig bool `long:"print-config" description:"print the fully merged configuration as YAML and exit"`

	// Telemetry sinks are all optional and disabled unless their
	// address/DSN is set.
	RedisAddr     string `long:"redis-addr" env:"MINING_REDIS_ADDR" description:"Stratum worker: Redis address for a shared Nonce1 pool, e.g. localhost:6379 (unset keeps the in-memory pool)"`
	RedisPassword string `long:"redis-password" env:"MINING_REDIS_PASSWORD" description:"Redis AUTH password"`
	RedisDB       int    `long:"redis-db" env:"MINING_REDIS_DB" description:"Redis logical database index"`
	RedisKey      string `long:"redis-key" env:"MINING_REDIS_KEY" description:"Redis key holding the shared Nonce1 bitset" default:"chainweb-mining-client:nonce1"`

	InfluxURL    string `long:"influx-url" env:"MINING_INFLUX_URL" description:"InfluxDB base URL, e.g. http://localhost:8086 (unset disables hashrate/share metrics)"`
	InfluxToken  string `long:"influx-token" env:"MINING_INFLUX_TOKEN" description:"InfluxDB API token"`
	InfluxOrg    string `long:"influx-org" env:"MINING_INFLUX_ORG" description:"InfluxDB organization"`
	InfluxBucket string `long:"influx-bucket" env:"MINING_INFLUX_BUCKET" description:"InfluxDB bucket"`

	KafkaBrokers            string `long:"kafka-brokers" env:"MINING_KAFKA_BROKERS" description:"comma-separated Kafka broker addresses (unset disables share/block event export)"`
	KafkaShareAcceptedTopic string `long:"kafka-share-accepted-topic" env:"MINING_KAFKA_SHARE_ACCEPTED_TOPIC" description:"Kafka topic for accepted-share events"`
	KafkaBlockSolvedTopic   string `long:"kafka-block-solved-topic" env:"MINING_KAFKA_BLOCK_SOLVED_TOPIC" description:"Kafka topic for solved-block events"`
}

// Config is the fully resolved, validated configuration the rest of the
// program consumes — Options after file/env merging and type conversion
// (e.g. HashRate parsed to a float64, StratumDifficulty to a mode+level).
type Config struct {
	Node      string
	TLS       bool
	Insecure  bool
	PublicKey string
	Account   string
	Worker    WorkerKind
	LogLevel  string
	LogFormat string

	ThreadCount int
	BatchSize   int

	ExternalWorkerCmd string

	StratumPort             int
	StratumInterface        string
	StratumDifficultyMode   string // "block", "fixed", or "period"
	StratumDifficultyLevel  int
	StratumDifficultyPeriod time.Duration
	StratumRate             time.Duration

	SimulatedHashRate float64

	ConstantDelayBlockTime time.Duration

	OnDemandPort      int
	OnDemandInterface string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	KafkaBrokers            []string
	KafkaShareAcceptedTopic string
	KafkaBlockSolvedTopic   string
}

// Load parses argv, merges in any --config-file layers, and returns the
// resolved Config. args should normally be os.Args[1:].
func Load(args []string) (*Config, *Options, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, nil, err
	}

	if opts.GenerateKey {
		if err := generateKey(os.Stdout); err != nil {
			return nil, nil, err
		}
		os.Exit(0)
	}

	merged := opts
	for _, path := range opts.ConfigFile {
		fileOpts, err := loadConfigFile(path)
		if err != nil {
			return nil, nil, cwerrors.Wrap(err, cwerrors.ErrorTypeConfig, "load", "failed to load config file "+path)
		}
		merged = overlay(merged, fileOpts)
	}

	// Re-apply explicit CLI flags on top of file values: the CLI always
	// wins regardless of config-file ordering, while options that only hold
	// their default or environment value leave the file values in place.
	src := reflect.ValueOf(&opts).Elem()
	dst := reflect.ValueOf(&merged).Elem()
	for _, o := range parser.Options() {
		if o.IsSet() && !o.IsSetDefault() {
			name := o.Field().Name
			dst.FieldByName(name).Set(src.FieldByName(name))
		}
	}

	cfg, err := resolve(&merged)
	if err != nil {
		return nil, nil, err
	}

	if opts.PrintConfig {
		if err := printConfig(os.Stdout, cfg); err != nil {
			return nil, nil, err
		}
		os.Exit(0)
	}

	return cfg, &merged, nil
}

// overlay applies non-zero fields of file on top of base, field by field,
// mirroring §6.1's "config file values override environment variables"
// precedence (go-flags has already applied env var fallbacks to both
// structs by the time overlay runs).
func overlay(base, file Options) Options {
	out := base
	if file.Node != "" {
		out.Node = file.Node
	}
	if file.TLS {
		out.TLS = file.TLS
	}
	if file.Insecure {
		out.Insecure = file.Insecure
	}
	if file.PublicKey != "" {
		out.PublicKey = file.PublicKey
	}
	if file.Account != "" {
		out.Account = file.Account
	}
	if file.Worker != "" {
		out.Worker = file.Worker
	}
	if file.LogLevel != "" {
		out.LogLevel = file.LogLevel
	}
	if file.LogFormat != "" {
		out.LogFormat = file.LogFormat
	}
	if file.ThreadCount != 0 {
		out.ThreadCount = file.ThreadCount
	}
	if file.BatchSize != 0 {
		out.BatchSize = file.BatchSize
	}
	if file.ExternalWorkerCmd != "" {
		out.ExternalWorkerCmd = file.ExternalWorkerCmd
	}
	if file.StratumPort != 0 {
		out.StratumPort = file.StratumPort
	}
	if file.StratumInterface != "" {
		out.StratumInterface = file.StratumInterface
	}
	if file.StratumDifficulty != "" {
		out.StratumDifficulty = file.StratumDifficulty
	}
	if file.StratumRate != 0 {
		out.StratumRate = file.StratumRate
	}
	if file.HashRate != "" {
		out.HashRate = file.HashRate
	}
	if file.ConstantDelayBlockTime != 0 {
		out.ConstantDelayBlockTime = file.ConstantDelayBlockTime
	}
	if file.OnDemandPort != 0 {
		out.OnDemandPort = file.OnDemandPort
	}
	if file.OnDemandInterface != "" {
		out.OnDemandInterface = file.OnDemandInterface
	}
	if file.RedisAddr != "" {
		out.RedisAddr = file.RedisAddr
	}
	if file.RedisPassword != "" {
		out.RedisPassword = file.RedisPassword
	}
	if file.RedisDB != 0 {
		out.RedisDB = file.RedisDB
	}
	if file.RedisKey != "" {
		out.RedisKey = file.RedisKey
	}
	if file.InfluxURL != "" {
		out.InfluxURL = file.InfluxURL
	}
	if file.InfluxToken != "" {
		out.InfluxToken = file.InfluxToken
	}
	if file.InfluxOrg != "" {
		out.InfluxOrg = file.InfluxOrg
	}
	if file.InfluxBucket != "" {
		out.InfluxBucket = file.InfluxBucket
	}
	if file.KafkaBrokers != "" {
		out.KafkaBrokers = file.KafkaBrokers
	}
	if file.KafkaShareAcceptedTopic != "" {
		out.KafkaShareAcceptedTopic = file.KafkaShareAcceptedTopic
	}
	if file.KafkaBlockSolvedTopic != "" {
		out.KafkaBlockSolvedTopic = file.KafkaBlockSolvedTopic
	}
	return out
}

// loadConfigFile fetches path (a local file path, or an http(s) URL) and
// parses it by extension, per §6.1.
func loadConfigFile(path string) (Options, error) {
	var data []byte
	var ext string

	if u, err := url.Parse(path); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		data, ext, err = fetchRemoteConfig(path)
		if err != nil {
			return Options{}, err
		}
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Options{}, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		data = raw
		ext = strings.ToLower(filepath.Ext(path))
	}

	var opts Options
	switch ext {
	case ".toml":
		if err := toml.Unmarshal(data, &opts); err != nil {
			return Options{}, fmt.Errorf("config: failed to parse %s as TOML: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &opts); err != nil {
			return Options{}, fmt.Errorf("config: failed to parse %s as JSON: %w", path, err)
		}
	default: // ".yaml", ".yml", or no extension (remote URL default)
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return Options{}, fmt.Errorf("config: failed to parse %s as YAML: %w", path, err)
		}
	}
	return opts, nil
}

// fetchRemoteConfig retrieves an http(s) config-file URL with a bounded
// timeout, sniffing its format from the URL's extension (default YAML).
func fetchRemoteConfig(rawURL string) ([]byte, string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("config: failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("config: fetching %s returned status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("config: failed to read response body from %s: %w", rawURL, err)
	}

	ext := strings.ToLower(filepath.Ext(rawURL))
	return body, ext, nil
}

// resolve type-converts and validates Options into a Config.
func resolve(opts *Options) (*Config, error) {
	worker := WorkerKind(opts.Worker)
	switch worker {
	case WorkerCPU, WorkerExternal, WorkerStratum, WorkerSimulation, WorkerConstantDelay, WorkerOnDemand:
	default:
		return nil, cwerrors.New(cwerrors.ErrorTypeConfig, "resolve", fmt.Sprintf("unknown worker kind %q", opts.Worker))
	}

	mode, level, period, err := parseStratumDifficulty(opts.StratumDifficulty)
	if err != nil {
		return nil, cwerrors.Wrap(err, cwerrors.ErrorTypeConfig, "resolve", "invalid --stratum-difficulty")
	}

	hashRate, err := ParseHashRate(opts.HashRate)
	if err != nil {
		return nil, cwerrors.Wrap(err, cwerrors.ErrorTypeConfig, "resolve", "invalid --hash-rate")
	}

	return &Config{
		Node:                    opts.Node,
		TLS:                     opts.TLS,
		Insecure:                opts.Insecure,
		PublicKey:               opts.PublicKey,
		Account:                 opts.Account,
		Worker:                  worker,
		LogLevel:                opts.LogLevel,
		LogFormat:               opts.LogFormat,
		ThreadCount:             opts.ThreadCount,
		BatchSize:               opts.BatchSize,
		ExternalWorkerCmd:       opts.ExternalWorkerCmd,
		StratumPort:             opts.StratumPort,
		StratumInterface:        opts.StratumInterface,
		StratumDifficultyMode:   mode,
		StratumDifficultyLevel:  level,
		StratumDifficultyPeriod: period,
		StratumRate:             time.Duration(opts.StratumRate) * time.Millisecond,
		SimulatedHashRate:       hashRate,
		ConstantDelayBlockTime:  time.Duration(opts.ConstantDelayBlockTime) * time.Second,
		OnDemandPort:            opts.OnDemandPort,
		OnDemandInterface:       opts.OnDemandInterface,
		RedisAddr:               opts.RedisAddr,
		RedisPassword:           opts.RedisPassword,
		RedisDB:                 opts.RedisDB,
		RedisKey:                opts.RedisKey,
		InfluxURL:               opts.InfluxURL,
		InfluxToken:             opts.InfluxToken,
		InfluxOrg:               opts.InfluxOrg,
		InfluxBucket:            opts.InfluxBucket,
		KafkaBrokers:            splitAndTrim(opts.KafkaBrokers),
		KafkaShareAcceptedTopic: opts.KafkaShareAcceptedTopic,
		KafkaBlockSolvedTopic:   opts.KafkaBlockSolvedTopic,
	}, nil
}

// splitAndTrim splits a comma-separated list, dropping empty entries, e.g.
// from a trailing comma or surrounding whitespace.
func splitAndTrim(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseStratumDifficulty parses "block", "<level>", or "period:<seconds>".
func parseStratumDifficulty(s string) (mode string, level int, period time.Duration, err error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "" || s == "block":
		return "block", 0, 0, nil
	case strings.HasPrefix(s, "period:"):
		secs, err := strconv.Atoi(strings.TrimPrefix(s, "period:"))
		if err != nil || secs <= 0 {
			return "", 0, 0, fmt.Errorf("config: invalid period difficulty %q", s)
		}
		return "period", 0, time.Duration(secs) * time.Second, nil
	default:
		level, err := strconv.Atoi(s)
		if err != nil || level <= 0 {
			return "", 0, 0, fmt.Errorf("config: invalid difficulty level %q", s)
		}
		return "fixed", level, 0, nil
	}
}

// hashRateUnits maps SI and binary-prefixed "h" (hashes/second) suffixes to
// their multiplier, longest suffix first so e.g. "Kih" matches before "h".
var hashRateUnits = []struct {
	suffix string
	factor float64
}{
	{"Kih", 1024},
	{"Mih", 1024 * 1024},
	{"Gih", 1024 * 1024 * 1024},
	{"Tih", 1024 * 1024 * 1024 * 1024},
	{"Pih", 1024 * 1024 * 1024 * 1024 * 1024},
	{"Kh", 1e3},
	{"Mh", 1e6},
	{"Gh", 1e9},
	{"Th", 1e12},
	{"Ph", 1e15},
	{"h", 1},
}

// ParseHashRate parses a hash-rate string with an optional SI (K M G T P)
// or binary (Ki Mi Gi Ti Pi) prefixed "h" suffix into hashes/second.
func ParseHashRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("config: empty hash rate")
	}
	for _, u := range hashRateUnits {
		if strings.HasSuffix(s, u.suffix) {
			numPart := strings.TrimSuffix(s, u.suffix)
			val, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("config: invalid hash rate %q", s)
			}
			return val * u.factor, nil
		}
	}
	// bare number: assume hashes/second
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid hash rate %q", s)
	}
	return val, nil
}

// generateKey creates an ed25519 key pair and prints the hex-encoded
// public/private keys to w, per §6.1's --generate-key.
func generateKey(w io.Writer) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return cwerrors.Wrap(err, cwerrors.ErrorTypeConfig, "generate-key", "failed to generate key pair")
	}
	fmt.Fprintf(w, "public:  %s\n", hex.EncodeToString(pub))
	fmt.Fprintf(w, "private: %s\n", hex.EncodeToString(priv))
	return nil
}

// printConfig dumps cfg as YAML to w, per §6.1's --print-config.
func printConfig(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(cfg)
}
