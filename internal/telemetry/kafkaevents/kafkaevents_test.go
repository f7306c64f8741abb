package kafkaevents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("kafkaevents-test", "test", "error", "text")
}

func TestNewDefaultsTopics(t *testing.T) {
	p := New(Config{Brokers: []string{"127.0.0.1:9092"}}, testLogger())
	defer p.Close()

	if p.shareWriter.Topic != ShareAcceptedTopic {
		t.Errorf("shareWriter.Topic = %q, want %q", p.shareWriter.Topic, ShareAcceptedTopic)
	}
	if p.blockWriter.Topic != BlockSolvedTopic {
		t.Errorf("blockWriter.Topic = %q, want %q", p.blockWriter.Topic, BlockSolvedTopic)
	}
}

func TestNewHonorsExplicitTopics(t *testing.T) {
	p := New(Config{
		Brokers:            []string{"127.0.0.1:9092"},
		ShareAcceptedTopic: "custom.shares",
		BlockSolvedTopic:   "custom.blocks",
	}, testLogger())
	defer p.Close()

	if p.shareWriter.Topic != "custom.shares" {
		t.Errorf("shareWriter.Topic = %q, want custom.shares", p.shareWriter.Topic)
	}
	if p.blockWriter.Topic != "custom.blocks" {
		t.Errorf("blockWriter.Topic = %q, want custom.blocks", p.blockWriter.Topic)
	}
}

func TestShareAcceptedMarshalsExpectedFields(t *testing.T) {
	event := ShareAccepted{
		SessionID:  "sess-1",
		Worker:     "rig1",
		JobID:      "abcd1234",
		Difficulty: 16,
		Time:       time.Unix(0, 0).UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"session_id", "worker", "job_id", "difficulty", "time"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("marshaled event missing field %q: %s", key, data)
		}
	}
}

func TestPublishDoesNotBlockOnUnreachableBroker(t *testing.T) {
	p := New(Config{Brokers: []string{"127.0.0.1:1"}}, testLogger())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.PublishShareAccepted(ctx, ShareAccepted{SessionID: "s"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishShareAccepted blocked the caller")
	}
}
