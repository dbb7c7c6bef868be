package graph

import (
	"context"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/rawblock/tracecost-engine/internal/esplora"
)

var (
	txidPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	// Bitcoin addresses: legacy (1), P2SH (3), bech32 (bc1)
	addressPattern = regexp.MustCompile(`^(1|3|bc1)[a-zA-Z0-9]{25,62}$`)
)

// addressTxidLimit caps how many recent transactions are considered when
// resolving an address target to a root txid.
const addressTxidLimit = 25

// IsTxid reports whether the target parses as a transaction ID.
func IsTxid(target string) bool {
	if !txidPattern.MatchString(target) {
		return false
	}
	_, err := chainhash.NewHashFromStr(target)
	return err == nil
}

// IsAddress reports whether the target parses as a mainnet Bitcoin address.
// The cheap pattern check runs first; btcutil then validates the checksum.
func IsAddress(target string) bool {
	if !addressPattern.MatchString(target) {
		return false
	}
	_, err := btcutil.DecodeAddress(target, &chaincfg.MainNetParams)
	return err == nil
}

// resolveTarget maps a user-provided target onto a root txid. A txid is
// validated by fetching it; an address resolves to its most recent
// transaction. Empty string means the target could not be resolved.
func resolveTarget(ctx context.Context, client *esplora.Client, target string) string {
	target = strings.TrimSpace(target)

	if IsTxid(target) {
		if tx := client.FetchTxWithFallback(ctx, target); tx != nil {
			return target
		}
		return ""
	}

	if IsAddress(target) {
		txids := client.FetchAddressTxids(ctx, target, addressTxidLimit)
		if len(txids) > 0 {
			return txids[0]
		}
		return ""
	}

	return ""
}
