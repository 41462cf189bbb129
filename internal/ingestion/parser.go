package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"BondLedger/internal/event"
)

// ParseRawCommand converts a RawCommand (JSON bytes + op type string) into a
// typed event.Command. The ingestion shell validates and converts before
// anything reaches the ledger core.
func ParseRawCommand(raw RawCommand) (event.Command, error) {
	switch raw.OpType {
	case "issue_asset":
		return parseIssueAsset(raw.Data)
	case "trade_pre_bond":
		return parseTradePreBond(raw.Data)
	case "lock_claim_post_bond":
		return parseLockClaim(raw.Data)
	case "bond_asset":
		return parseBondAsset(raw.Data)
	case "accrue_unlock":
		return parseAccrueUnlock(raw.Data)
	default:
		return nil, fmt.Errorf("unknown op type: %s", raw.OpType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Every command
// carries op_id (idempotency key), actor (acting identity) and timestamp_us
// (versioned input time).

type metaJSON struct {
	OpID        string `json:"op_id"`
	Actor       string `json:"actor"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j metaJSON) toMeta() (event.Meta, error) {
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return event.Meta{}, fmt.Errorf("parse op_id: %w", err)
	}
	actor, err := uuid.Parse(j.Actor)
	if err != nil {
		return event.Meta{}, fmt.Errorf("parse actor: %w", err)
	}
	return event.Meta{ID: opID, Actor: actor, TsUs: j.TimestampUs}, nil
}

type issueAssetJSON struct {
	metaJSON
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	URI      string `json:"uri"`
	Decimals uint8  `json:"decimals"`
}

func parseIssueAsset(data []byte) (event.IssueAsset, error) {
	var j issueAssetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.IssueAsset{}, fmt.Errorf("parse issue_asset: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return event.IssueAsset{}, err
	}
	if j.Symbol == "" || j.Name == "" {
		return event.IssueAsset{}, fmt.Errorf("issue_asset: symbol and name required")
	}
	return event.IssueAsset{
		Meta:     meta,
		Name:     j.Name,
		Symbol:   j.Symbol,
		URI:      j.URI,
		Decimals: j.Decimals,
	}, nil
}

type tradePreBondJSON struct {
	metaJSON
	User       string `json:"user"`
	AssetID    string `json:"asset_id"`
	Symbol     string `json:"symbol"`
	Name       string `json:"name"`
	BaseAmount int64  `json:"base_amount"`
}

func parseTradePreBond(data []byte) (event.TradePreBond, error) {
	var j tradePreBondJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.TradePreBond{}, fmt.Errorf("parse trade_pre_bond: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return event.TradePreBond{}, err
	}
	user, err := uuid.Parse(j.User)
	if err != nil {
		return event.TradePreBond{}, fmt.Errorf("parse user: %w", err)
	}
	assetID, err := uuid.Parse(j.AssetID)
	if err != nil {
		return event.TradePreBond{}, fmt.Errorf("parse asset_id: %w", err)
	}
	return event.TradePreBond{
		Meta:       meta,
		User:       user,
		AssetID:    assetID,
		Symbol:     j.Symbol,
		Name:       j.Name,
		BaseAmount: j.BaseAmount,
	}, nil
}

type lockClaimJSON struct {
	metaJSON
	User        string `json:"user"`
	AssetID     string `json:"asset_id"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	AssetAmount int64  `json:"asset_amount"`
}

func parseLockClaim(data []byte) (event.LockClaim, error) {
	var j lockClaimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.LockClaim{}, fmt.Errorf("parse lock_claim_post_bond: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return event.LockClaim{}, err
	}
	user, err := uuid.Parse(j.User)
	if err != nil {
		return event.LockClaim{}, fmt.Errorf("parse user: %w", err)
	}
	assetID, err := uuid.Parse(j.AssetID)
	if err != nil {
		return event.LockClaim{}, fmt.Errorf("parse asset_id: %w", err)
	}
	return event.LockClaim{
		Meta:        meta,
		User:        user,
		AssetID:     assetID,
		Symbol:      j.Symbol,
		Name:        j.Name,
		AssetAmount: j.AssetAmount,
	}, nil
}

type bondAssetJSON struct {
	metaJSON
	AssetID       string `json:"asset_id"`
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	PoolReference string `json:"pool_reference"`
}

func parseBondAsset(data []byte) (event.BondAsset, error) {
	var j bondAssetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.BondAsset{}, fmt.Errorf("parse bond_asset: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return event.BondAsset{}, err
	}
	assetID, err := uuid.Parse(j.AssetID)
	if err != nil {
		return event.BondAsset{}, fmt.Errorf("parse asset_id: %w", err)
	}
	if j.PoolReference == "" {
		return event.BondAsset{}, fmt.Errorf("bond_asset: pool_reference required")
	}
	return event.BondAsset{
		Meta:          meta,
		AssetID:       assetID,
		Symbol:        j.Symbol,
		Name:          j.Name,
		PoolReference: j.PoolReference,
	}, nil
}

type accrueUnlockJSON struct {
	metaJSON
	User    string `json:"user"`
	AssetID string `json:"asset_id"`
	Symbol  string `json:"symbol"`
	Name    string `json:"name"`
}

func parseAccrueUnlock(data []byte) (event.AccrueUnlock, error) {
	var j accrueUnlockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.AccrueUnlock{}, fmt.Errorf("parse accrue_unlock: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return event.AccrueUnlock{}, err
	}
	user, err := uuid.Parse(j.User)
	if err != nil {
		return event.AccrueUnlock{}, fmt.Errorf("parse user: %w", err)
	}
	assetID, err := uuid.Parse(j.AssetID)
	if err != nil {
		return event.AccrueUnlock{}, fmt.Errorf("parse asset_id: %w", err)
	}
	return event.AccrueUnlock{
		Meta:    meta,
		User:    user,
		AssetID: assetID,
		Symbol:  j.Symbol,
		Name:    j.Name,
	}, nil
}
