package ledger

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeMarketVault

	// External sub-types
	SubTypeExternalCustody
)

// AssetID maps asset symbols to numeric IDs. IDs are assigned in
// registration order, so every replica must register assets in the same
// order (configuration order).
type AssetID uint16

var (
	assetsMu  sync.RWMutex
	assetToID = map[string]AssetID{}
	idToAsset = map[AssetID]string{}
)

// RegisterAsset returns the ID of asset, assigning the next one if needed.
func RegisterAsset(asset string) AssetID {
	assetsMu.Lock()
	defer assetsMu.Unlock()
	if id, ok := assetToID[asset]; ok {
		return id
	}
	id := AssetID(len(assetToID) + 1)
	assetToID[asset] = id
	idToAsset[id] = asset
	return id
}

func GetAssetID(asset string) (AssetID, bool) {
	assetsMu.RLock()
	defer assetsMu.RUnlock()
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	assetsMu.RLock()
	defer assetsMu.RUnlock()
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, hash of the market id for vaults
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for a user's free funds
func NewUserAccountKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

// NewMarketVaultKey creates the key holding a market's underlying
func NewMarketVaultKey(marketID string, assetID AssetID) AccountKey {
	sum := sha256.Sum256([]byte(marketID))
	var entityID [16]byte
	copy(entityID[:], sum[:16])
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  SubTypeMarketVault,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// CreditNormal reports whether the account's balance grows with credits.
// The external boundary account records funds held on behalf of users.
func (k AccountKey) CreditNormal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%x:%s:%s", k.EntityID[:4], k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeMarketVault:
		return "market_vault"
	case SubTypeExternalCustody:
		return "custody"
	default:
		return "unknown"
	}
}
