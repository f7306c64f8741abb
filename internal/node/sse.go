package node

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kadena-io/chainweb-mining-client/pkg/errors"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

// UpdateEvent is emitted whenever the node reports a chain-tip change. It
// carries no payload: consumers must call GetWork to fetch the new
// template, per §4.1.
type UpdateEvent struct{}

// UpdateStream is a restartable logical stream of UpdateEvents. It
// reconnects on disconnect with its own exponential backoff (retryBackoff
// below; it does not use pkg/retry like the node client's HTTP calls), so
// callers see one continuous stream regardless of how many times the
// underlying HTTP connection actually reconnects.
type UpdateStream struct {
	cfg    Config
	client *http.Client
	logger *log.Logger

	events chan UpdateEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// SubscribeUpdates opens the long-lived SSE connection and returns a stream
// that will keep reconnecting until ctx is cancelled or Close is called.
func (c *Client) SubscribeUpdates(ctx context.Context) *UpdateStream {
	sctx, cancel := context.WithCancel(ctx)
	s := &UpdateStream{
		cfg:    c.cfg,
		client: &http.Client{Transport: c.httpClient.Transport}, // no per-request timeout: this is long-lived
		logger: c.logger.WithComponent("sse"),
		events: make(chan UpdateEvent, 1), // bounded 1: newest wins, per §5 backpressure policy
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(sctx)
	return s
}

// Events returns the channel of update notifications. Only one event is
// ever buffered; a consumer that is slow to drain it only ever sees the
// fact that *something* changed, not how many times.
func (s *UpdateStream) Events() <-chan UpdateEvent {
	return s.events
}

// Close stops the stream and releases its connection.
func (s *UpdateStream) Close() {
	s.cancel()
	<-s.done
}

func (s *UpdateStream) run(ctx context.Context) {
	defer close(s.done)

	backoff := retryBackoff{base: 500 * time.Millisecond, max: 30 * time.Second}
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.connectOnce(ctx); err != nil {
			s.logger.WithError(err).Warn("update stream disconnected, reconnecting")
			delay := backoff.next()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		backoff.reset()
	}
}

// connectOnce opens one SSE connection and reads it until it ends or ctx is
// cancelled, emitting an UpdateEvent for every "event: New" line.
func (s *UpdateStream) connectOnce(ctx context.Context) error {
	url := fmt.Sprintf("%s/chainweb/0.0/%s/mining/updates", s.cfg.BaseURL, s.cfg.ChainwebVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNode, "subscribe_updates", "failed to build request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "subscribe_updates", "connection failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrorTypeNode, "subscribe_updates", fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 4096), 64*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "event:") {
			continue
		}
		event := strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		if event != "New" {
			continue
		}

		select {
		case s.events <- UpdateEvent{}:
		default:
			// Channel already has a pending event; newest wins, drop ours.
		}
	}
	return scanner.Err()
}

// retryBackoff is a minimal exponential backoff counter local to the SSE
// reconnect loop; it deliberately does not share state with pkg/retry,
// which is call-scoped rather than connection-scoped.
type retryBackoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (b *retryBackoff) next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	}
	b.attempt++
	return d
}

func (b *retryBackoff) reset() {
	b.attempt = 0
}
