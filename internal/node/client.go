// Package node implements the HTTP(S) client used to talk to a Chainweb
// node: fetching node info, mining work, submitting solutions, and
// following the chain-tip update stream.
package node

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
	"github.com/kadena-io/chainweb-mining-client/pkg/circuit"
	"github.com/kadena-io/chainweb-mining-client/pkg/errors"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
	"github.com/kadena-io/chainweb-mining-client/pkg/retry"
)

// workResponseSize is the fixed wire size of a /mining/work response: a
// 4-byte little-endian ChainId, a 32-byte Target, and a 286-byte Work.
const workResponseSize = 4 + chainweb.TargetSize + chainweb.WorkSize

// Config configures a Client.
type Config struct {
	// BaseURL is the scheme+host+port of the node, e.g. "https://node:1848".
	BaseURL string
	// ChainwebVersion is interpolated into the mining endpoints, e.g.
	// "mainnet01".
	ChainwebVersion string
	// TLSInsecureSkipVerify disables certificate validation (--insecure).
	TLSInsecureSkipVerify bool
	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration
	// Retry governs get_info/get_work/submit_work retry behavior.
	Retry *retry.Config
	// Circuit governs the breaker wrapping every node call.
	Circuit *circuit.Config
}

// MinerDescriptor is the JSON body POSTed to /mining/work, describing who
// should receive the block reward.
type MinerDescriptor struct {
	Account    string   `json:"account"`
	Predicate  string   `json:"predicate"`
	PublicKeys []string `json:"public-keys"`
}

// Info is the response of GET /info.
type Info struct {
	NodeVersion     string `json:"nodeVersion"`
	ChainwebVersion string `json:"chainwebVersion"`
}

// Client talks to one Chainweb node.
type Client struct {
	cfg            Config
	httpClient     *http.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// New creates a Client. It never makes network calls itself.
func New(cfg Config, logger *log.Logger) *Client {
	transport := &http.Transport{}
	if cfg.TLSInsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // --insecure is opt-in
	}

	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.NetworkConfig()
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		circuitBreaker: circuit.New(cfg.Circuit),
		retryConfig:    retryCfg,
		logger:         logger.WithComponent("node"),
	}
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s/chainweb/0.0/%s%s", c.cfg.BaseURL, c.cfg.ChainwebVersion, path)
}

// GetInfo fetches node version and chainweb API version. It retries
// transient failures per the configured policy; exhaustion is returned to
// the caller, who treats it as fatal during startup.
func (c *Client) GetInfo(ctx context.Context) (Info, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (Info, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (Info, error) {
			var info Info
			url := fmt.Sprintf("%s/info", c.cfg.BaseURL)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return info, errors.Wrap(err, errors.ErrorTypeNode, "get_info", "failed to build request")
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return info, errors.Wrap(err, errors.ErrorTypeNetwork, "get_info", "request failed")
			}
			defer resp.Body.Close()

			if err := checkStatus(resp, "get_info"); err != nil {
				return info, err
			}

			if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
				return info, errors.Wrap(err, errors.ErrorTypeNode, "get_info", "malformed JSON body")
			}
			return info, nil
		})
	})
}

// GetWork fetches a mining template. It decodes the fixed 322-byte binary
// response into (ChainId, Target, Work); any other response length is a
// terminal protocol error.
func (c *Client) GetWork(ctx context.Context, miner MinerDescriptor) (chainweb.ChainId, chainweb.Target, chainweb.Work, error) {
	type result struct {
		chainID chainweb.ChainId
		target  chainweb.Target
		work    chainweb.Work
	}

	r, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (result, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (result, error) {
			var r result

			body, err := json.Marshal(miner)
			if err != nil {
				return r, errors.Wrap(err, errors.ErrorTypeValidation, "get_work", "failed to marshal miner descriptor")
			}

			url := c.endpoint("/mining/work")
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return r, errors.Wrap(err, errors.ErrorTypeNode, "get_work", "failed to build request")
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return r, errors.Wrap(err, errors.ErrorTypeNetwork, "get_work", "request failed")
			}
			defer resp.Body.Close()

			if err := checkStatus(resp, "get_work"); err != nil {
				return r, err
			}

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return r, errors.Wrap(err, errors.ErrorTypeNetwork, "get_work", "failed to read body")
			}

			if len(data) != workResponseSize {
				return r, errors.New(errors.ErrorTypeNode, "get_work", "unexpected response length").
					WithContext("expected", workResponseSize).
					WithContext("got", len(data))
			}

			r.chainID = chainweb.ChainId(binary.LittleEndian.Uint32(data[0:4]))
			r.target, err = chainweb.ParseTarget(data[4 : 4+chainweb.TargetSize])
			if err != nil {
				return r, errors.Wrap(err, errors.ErrorTypeNode, "get_work", "malformed target")
			}
			r.work, err = chainweb.ParseWork(data[4+chainweb.TargetSize:])
			if err != nil {
				return r, errors.Wrap(err, errors.ErrorTypeNode, "get_work", "malformed work")
			}
			return r, nil
		})
	})
	if err != nil {
		return 0, chainweb.Target{}, chainweb.Work{}, err
	}
	return r.chainID, r.target, r.work, nil
}

// SubmitWork posts a solved Work to the node. Failures are surfaced to the
// caller but are not fatal: per the coordinator's policy, mining continues
// on the next template regardless of submission outcome.
func (c *Client) SubmitWork(ctx context.Context, w chainweb.Work) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			url := c.endpoint("/mining/solved")
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(w.Bytes()))
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeNode, "submit_work", "failed to build request")
			}
			req.Header.Set("Content-Type", "application/octet-stream")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "submit_work", "request failed")
			}
			defer resp.Body.Close()

			return checkStatus(resp, "submit_work")
		})
	})
}

// checkStatus classifies an HTTP response as success, retriable, or
// terminal, matching §7 of the error handling design: 2xx is success,
// 5xx/408/429 is retriable, any other non-2xx is terminal.
func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	retriable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout
	svcErr := errors.New(errors.ErrorTypeNode, op, fmt.Sprintf("node returned HTTP %d", resp.StatusCode)).
		WithContext("status_code", resp.StatusCode)
	svcErr.Retryable = retriable
	return svcErr
}
