package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

// triggerRequest is the optional JSON body of a POST to the on-demand
// worker's trigger endpoint. Count lets an operator request several
// solutions from one request when driving a multi-chain test harness;
// zero and omitted both mean one. Each trigger releases one Mine call, in
// order.
type triggerRequest struct {
	Count int `json:"count"`
}

// OnDemandWorker never hashes on its own. It exposes an HTTP endpoint that
// an operator (typically a test harness) calls to manually trigger one
// "solved" Work per mining round. Mine blocks until a request arrives.
type OnDemandWorker struct {
	addr    string
	logger  *log.Logger
	nonce   chainweb.Nonce
	trigger chan int

	startOnce sync.Once
	server    *http.Server
}

// NewOnDemand creates an OnDemandWorker listening on addr (e.g.
// "127.0.0.1:1917"). The HTTP server starts lazily on the first Mine call.
func NewOnDemand(addr string, logger *log.Logger) *OnDemandWorker {
	return &OnDemandWorker{
		addr:    addr,
		logger:  logger.WithComponent("on-demand-worker"),
		trigger: make(chan int, 1),
	}
}

// Mine implements Worker. It blocks until an operator POSTs to the trigger
// endpoint or ctx is cancelled.
func (o *OnDemandWorker) Mine(ctx context.Context, work chainweb.Work, target chainweb.Target) (chainweb.MiningResult, error) {
	o.startOnce.Do(func() { o.start() })

	select {
	case <-o.trigger:
	case <-ctx.Done():
		return chainweb.MiningResult{}, ctx.Err()
	}

	o.nonce = o.nonce.Next()
	solved := work.WithNonce(o.nonce)
	return chainweb.MiningResult{Work: solved, Digest: chainweb.Digest(solved)}, nil
}

// Close shuts down the trigger HTTP server, if it was started.
func (o *OnDemandWorker) Close(ctx context.Context) error {
	if o.server == nil {
		return nil
	}
	return o.server.Shutdown(ctx)
}

func (o *OnDemandWorker) start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/trigger", o.handleTrigger)
	o.server = &http.Server{Addr: o.addr, Handler: mux}

	go func() {
		if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.logger.Error("on-demand trigger server stopped", "error", err)
		}
	}()
}

func (o *OnDemandWorker) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := triggerRequest{Count: 1}
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req) // malformed body just falls back to one trigger
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	go func(n int) {
		for i := 0; i < n; i++ {
			o.trigger <- 1
		}
	}(req.Count)
	w.WriteHeader(http.StatusAccepted)
}
