package referral

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"launchLedger/internal/config"
	"launchLedger/internal/model"
)

// rateFor returns the reward share configured for a source type.
func rateFor(rates config.ReferralRates, source model.SourceType) (decimal.Decimal, error) {
	switch source {
	case model.SourceFairlaunch:
		return rates.Fairlaunch, nil
	case model.SourceBonding:
		return rates.Bonding, nil
	case model.SourceBlueCheck:
		return rates.BlueCheck, nil
	default:
		return decimal.Zero, fmt.Errorf("no rate for source type %s", source)
	}
}

// RewardAmount applies rate to base and rounds down, keeping the base unit of the triggering amount.
func RewardAmount(base *big.Int, rate decimal.Decimal) *big.Int {
	if base == nil || base.Sign() <= 0 || !rate.IsPositive() {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(base, 0).Mul(rate).Floor().BigInt()
}
