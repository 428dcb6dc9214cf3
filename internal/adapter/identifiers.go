package adapter

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// DeriveConditionID computes condition_id = H(oracle ":" question_id ":"
// slot_count) as lowercase hex, matching the identifier derivation rule
// external CTF contracts use so both sides agree without a round trip.
func DeriveConditionID(oracle, questionID string, slotCount int) string {
	input := oracle + ":" + questionID + ":" + strconv.Itoa(slotCount)
	return hashHex(input)
}

// DeriveCollectionID computes collection_id = H(parent_collection_id ":"
// condition_id ":" join(index_set, ",")).
func DeriveCollectionID(parentCollectionID, conditionID string, indexSet []int) string {
	parts := make([]string, len(indexSet))
	for i, v := range indexSet {
		parts[i] = strconv.Itoa(v)
	}
	input := parentCollectionID + ":" + conditionID + ":" + strings.Join(parts, ",")
	return hashHex(input)
}

// DerivePositionID computes position_id = H(collateral_token ":" collection_id).
func DerivePositionID(collateralToken, collectionID string) string {
	input := collateralToken + ":" + collectionID
	return hashHex(input)
}

// IndexSetForOutcome returns the CTF index-set bitmask array for a binary
// outcome: [1] for NO, [2] for YES.
func IndexSetForOutcome(outcome uint8) []int {
	if outcome == 1 {
		return []int{2}
	}
	return []int{1}
}

func hashHex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// microUnitsPerDollar is the fixed-point scale spec §3 defines: prices are
// integers in 1/100000 of a dollar.
const microUnitsPerDollar = 100000

// FormatUSD renders a micro-unit price/amount as an exact dollar string for
// logs, always with five decimal places ("$0.50000" for 50000), as used in
// the reservation/balance log lines. Uses decimal rather than a
// float64 division so the rendered amount never drifts from the integer
// ledger value it's logging.
func FormatUSD(microUnits int64) string {
	d := decimal.New(microUnits, 0).Div(decimal.New(microUnitsPerDollar, 0))
	return "$" + d.StringFixed(5)
}
