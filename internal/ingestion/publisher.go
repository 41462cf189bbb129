package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundPublisher publishes applied-operation outcomes to NATS for
// downstream consumers (indexers, notification services). Delivery is
// best-effort: the op log in Postgres is the durable record, so a failed
// publish is logged and skipped.
// Subjects follow the pattern: bond.ledger.events.{op_type}.{asset_id}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableOutcome
}

// PublishableOutcome is an applied operation ready for outbound publishing.
type PublishableOutcome struct {
	Sequence    int64       `json:"sequence"`
	OpType      string      `json:"op_type"`
	OpID        string      `json:"op_id"`
	AssetID     string      `json:"asset_id"`
	Actor       string      `json:"actor"`
	TimestampUs int64       `json:"timestamp_us"`
	Asset       interface{} `json:"asset"`
	Position    interface{} `json:"position,omitempty"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableOutcome) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", out.Sequence, err)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out PublishableOutcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	subject := fmt.Sprintf("bond.ledger.events.%s.%s", out.OpType, out.AssetID)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "BOND_LEDGER_EVENTS",
		Subjects:  []string{"bond.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream BOND_LEDGER_EVENTS")
	return nil
}
