package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"BondLedger/internal/core"
	"BondLedger/internal/event"
	"BondLedger/internal/ingestion"
	"BondLedger/internal/ledger"
	"BondLedger/internal/persistence"
)

func sampleOutput() core.Output {
	assetID := uuid.New()
	return core.Output{
		Envelope: event.Envelope{
			Sequence: 1,
			OpID:     uuid.New(),
			Op:       event.OpTypeIssueAsset,
			AssetID:  assetID,
			Actor:    uuid.New(),
		},
		Asset: &ledger.AssetLedger{
			AssetID:    assetID,
			Name:       "Example Token",
			Symbol:     "EXT",
			BondedAtUs: ledger.UnbondedAt,
		},
	}
}

func TestBridgePersist_ForwardsThenStopsOnClose(t *testing.T) {
	in := make(chan core.Output, 1)
	out := make(chan persistence.Outcome, 1)
	done := make(chan struct{})
	go func() {
		bridgePersist(context.Background(), in, out)
		close(done)
	}()

	in <- sampleOutput()
	close(in)

	select {
	case outcome := <-out:
		if outcome.Op.Sequence != 1 {
			t.Errorf("sequence: got %d, want 1", outcome.Op.Sequence)
		}
		if outcome.Asset == nil || outcome.Asset.Symbol != "EXT" {
			t.Errorf("asset row not forwarded: %+v", outcome.Asset)
		}
	case <-time.After(time.Second):
		t.Fatal("no outcome forwarded")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop after input close")
	}
}

func TestBridgePersist_UnblocksOnCancel(t *testing.T) {
	// No receiver on out: the forwarding send blocks until cancellation.
	// Shutdown waits for this exit before closing the worker channel, so the
	// bridge can never send on a closed channel.
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan core.Output, 1)
	out := make(chan persistence.Outcome)
	done := make(chan struct{})
	go func() {
		bridgePersist(ctx, in, out)
		close(done)
	}()

	in <- sampleOutput()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge stayed blocked after cancel")
	}
	close(out)
}

func TestBridgePublish_DropsWhenFullAndStopsOnClose(t *testing.T) {
	in := make(chan core.Output, 2)
	out := make(chan ingestion.PublishableOutcome, 1)
	done := make(chan struct{})
	go func() {
		bridgePublish(context.Background(), in, out)
		close(done)
	}()

	// Second output finds the buffer full and is dropped, never blocking.
	in <- sampleOutput()
	in <- sampleOutput()
	close(in)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop after input close")
	}
	if got := len(out); got != 1 {
		t.Errorf("published outcomes: got %d, want 1", got)
	}
}
