package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"BondLedger/internal/event"
	"BondLedger/internal/ingestion"
)

func rawFromJSON(t *testing.T, opType string, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:  "test",
		OpType:   opType,
		Data:     data,
		Received: time.Now(),
		AckFunc:  func() {},
		NakFunc:  func() {},
	}
}

func TestParseIssueAsset(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"name":         "Example Token",
		"symbol":       "EXT",
		"uri":          "https://example.com/ext.json",
		"decimals":     9,
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, "issue_asset", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ia, ok := cmd.(event.IssueAsset)
	if !ok {
		t.Fatalf("expected event.IssueAsset, got %T", cmd)
	}

	if ia.Symbol != "EXT" {
		t.Errorf("symbol: got %s, want EXT", ia.Symbol)
	}
	if ia.Name != "Example Token" {
		t.Errorf("name: got %s, want Example Token", ia.Name)
	}
	if ia.Decimals != 9 {
		t.Errorf("decimals: got %d, want 9", ia.Decimals)
	}
	if ia.TimestampUs() != 1700000000000000 {
		t.Errorf("timestamp_us: got %d, want 1700000000000000", ia.TimestampUs())
	}
	if ia.Type() != event.OpTypeIssueAsset {
		t.Errorf("op type: got %v, want issue_asset", ia.Type())
	}
}

func TestParseTradePreBond(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"user":         "660e8400-e29b-41d4-a716-446655440001",
		"asset_id":     "770e8400-e29b-41d4-a716-446655440002",
		"symbol":       "EXT",
		"name":         "Example Token",
		"base_amount":  int64(-250),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, "trade_pre_bond", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	tr, ok := cmd.(event.TradePreBond)
	if !ok {
		t.Fatalf("expected event.TradePreBond, got %T", cmd)
	}

	if tr.BaseAmount != -250 {
		t.Errorf("base_amount: got %d, want -250", tr.BaseAmount)
	}
	if tr.User != tr.Actor {
		t.Errorf("user/actor: got %s and %s, want equal", tr.User, tr.Actor)
	}
	if tr.Symbol != "EXT" {
		t.Errorf("symbol: got %s, want EXT", tr.Symbol)
	}
}

func TestParseLockClaim(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"user":         "660e8400-e29b-41d4-a716-446655440001",
		"asset_id":     "770e8400-e29b-41d4-a716-446655440002",
		"symbol":       "EXT",
		"name":         "Example Token",
		"asset_amount": int64(1_000_000_000),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, "lock_claim_post_bond", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	lc, ok := cmd.(event.LockClaim)
	if !ok {
		t.Fatalf("expected event.LockClaim, got %T", cmd)
	}

	if lc.AssetAmount != 1_000_000_000 {
		t.Errorf("asset_amount: got %d, want 1_000_000_000", lc.AssetAmount)
	}
	if lc.Type() != event.OpTypeLockClaim {
		t.Errorf("op type: got %v, want lock_claim_post_bond", lc.Type())
	}
}

func TestParseBondAsset(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":          "550e8400-e29b-41d4-a716-446655440000",
		"actor":          "660e8400-e29b-41d4-a716-446655440001",
		"asset_id":       "770e8400-e29b-41d4-a716-446655440002",
		"symbol":         "EXT",
		"name":           "Example Token",
		"pool_reference": "pool-abc-123",
		"timestamp_us":   int64(1700000000000000),
	}

	raw := rawFromJSON(t, "bond_asset", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ba, ok := cmd.(event.BondAsset)
	if !ok {
		t.Fatalf("expected event.BondAsset, got %T", cmd)
	}

	if ba.PoolReference != "pool-abc-123" {
		t.Errorf("pool_reference: got %s, want pool-abc-123", ba.PoolReference)
	}
}

func TestParseBondAsset_MissingPoolReference_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"asset_id":     "770e8400-e29b-41d4-a716-446655440002",
		"symbol":       "EXT",
		"name":         "Example Token",
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, "bond_asset", payload)
	if _, err := ingestion.ParseRawCommand(raw); err == nil {
		t.Fatal("expected error for missing pool_reference")
	}
}

func TestParseAccrueUnlock(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "550e8400-e29b-41d4-a716-446655440000",
		"actor":        "660e8400-e29b-41d4-a716-446655440001",
		"user":         "660e8400-e29b-41d4-a716-446655440001",
		"asset_id":     "770e8400-e29b-41d4-a716-446655440002",
		"symbol":       "EXT",
		"name":         "Example Token",
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, "accrue_unlock", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	au, ok := cmd.(event.AccrueUnlock)
	if !ok {
		t.Fatalf("expected event.AccrueUnlock, got %T", cmd)
	}
	if au.Type() != event.OpTypeAccrueUnlock {
		t.Errorf("op type: got %v, want accrue_unlock", au.Type())
	}
}

func TestParseUnknownOpType_Fails(t *testing.T) {
	raw := ingestion.RawCommand{OpType: "nonexistent_op", Data: []byte(`{}`)}
	if _, err := ingestion.ParseRawCommand(raw); err == nil {
		t.Fatal("expected error for unknown op type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawCommand{OpType: "issue_asset", Data: []byte(`{invalid json`)}
	if _, err := ingestion.ParseRawCommand(raw); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":        "not-a-uuid",
		"actor":        "also-not-a-uuid",
		"symbol":       "EXT",
		"name":         "Example Token",
		"decimals":     9,
		"timestamp_us": int64(0),
	}

	raw := rawFromJSON(t, "issue_asset", payload)
	if _, err := ingestion.ParseRawCommand(raw); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
