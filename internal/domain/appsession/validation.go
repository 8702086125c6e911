package appsession

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TotalWeight is the sum every weight vector must reach; quorum is measured
// against it.
const TotalWeight = 100

// MinParticipants is the smallest session the coordinator accepts.
const MinParticipants = 2

// ValidateDefinition checks the weight and quorum invariants and the initial
// allocations. Quorum may equal TotalWeight (unanimity).
func ValidateDefinition(def Definition, allocations []Allocation) error {
	if len(def.Participants) < MinParticipants {
		return invalid("at least %d participants are required, got %d", MinParticipants, len(def.Participants))
	}
	if len(def.Weights) != len(def.Participants) {
		return invalid("%d weights for %d participants", len(def.Weights), len(def.Participants))
	}

	seen := make(map[string]struct{}, len(def.Participants))
	for _, p := range def.Participants {
		if !common.IsHexAddress(p) {
			return invalid("participant %q is not a hex address", p)
		}
		key := NormalizeAddress(p)
		if _, dup := seen[key]; dup {
			return invalid("participant %s listed twice", key)
		}
		seen[key] = struct{}{}
	}

	var sum int64
	for i, w := range def.Weights {
		if w < 0 {
			return invalid("weight %d of participant %d is negative", w, i)
		}
		if w > TotalWeight-sum {
			return invalid("weights exceed %d at participant %d", TotalWeight, i)
		}
		sum += w
	}
	if sum != TotalWeight {
		return invalid("weights sum to %d, expected %d", sum, TotalWeight)
	}
	if def.Quorum == 0 || def.Quorum > TotalWeight {
		return invalid("quorum %d outside (0, %d]", def.Quorum, TotalWeight)
	}

	if err := checkAllocations(allocations, seen); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSessionDefinition, err)
	}
	return nil
}

// CheckConservation verifies that final allocations distribute exactly the
// per-asset totals the session holds.
func CheckConservation(totals map[string]decimal.Decimal, final []Allocation) error {
	finalTotals := Totals(final)
	assets := make([]string, 0, len(totals)+len(finalTotals))
	for asset := range totals {
		assets = append(assets, asset)
	}
	for asset := range finalTotals {
		if _, ok := totals[asset]; !ok {
			assets = append(assets, asset)
		}
	}
	sort.Strings(assets)
	for _, asset := range assets {
		held := totals[asset]
		distributed := finalTotals[asset]
		if !held.Equal(distributed) {
			return fmt.Errorf("%w: asset %s: session holds %s, close distributes %s", ErrAllocationMismatch, asset, held, distributed)
		}
	}
	return nil
}

// Totals sums amounts per asset.
func Totals(allocations []Allocation) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, a := range allocations {
		asset := NormalizeAsset(a.Asset)
		out[asset] = out[asset].Add(a.Amount)
	}
	return out
}

// NormalizeAddress returns the checksummed form of a hex address.
func NormalizeAddress(addr string) string {
	return common.HexToAddress(strings.TrimSpace(addr)).Hex()
}

func NormalizeAsset(asset string) string {
	return strings.ToLower(strings.TrimSpace(asset))
}

// NormalizeAllocations returns a copy with checksummed participants and
// lowercase asset symbols. Invalid addresses are left untouched for
// validation to report.
func NormalizeAllocations(in []Allocation) []Allocation {
	out := make([]Allocation, 0, len(in))
	for _, a := range in {
		participant := strings.TrimSpace(a.Participant)
		if common.IsHexAddress(participant) {
			participant = NormalizeAddress(participant)
		}
		out = append(out, Allocation{Participant: participant, Asset: NormalizeAsset(a.Asset), Amount: a.Amount})
	}
	return out
}

func normalizeParticipants(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if common.IsHexAddress(p) {
			p = NormalizeAddress(p)
		}
		out = append(out, p)
	}
	return out
}

func checkAllocations(allocations []Allocation, members map[string]struct{}) error {
	seen := make(map[string]struct{}, len(allocations))
	for _, a := range allocations {
		if !common.IsHexAddress(a.Participant) {
			return fmt.Errorf("allocation participant %q is not a hex address", a.Participant)
		}
		participant := NormalizeAddress(a.Participant)
		if _, ok := members[participant]; !ok {
			return fmt.Errorf("allocation to non-participant %s", participant)
		}
		asset := NormalizeAsset(a.Asset)
		if asset == "" {
			return errors.New("allocation asset is required")
		}
		if a.Amount.IsNegative() {
			return fmt.Errorf("negative allocation %s %s for %s", a.Amount, asset, participant)
		}
		key := participant + "/" + asset
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate allocation of %s to %s", asset, participant)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func memberSet(participants []string) map[string]struct{} {
	out := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		out[NormalizeAddress(p)] = struct{}{}
	}
	return out
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSessionDefinition, fmt.Sprintf(format, args...))
}
