package ledger

import (
	"fmt"

	"github.com/tunebytes/bid-engine/internal/model"
)

// effect is the sign each snapshot field moves by, per unit of amount.
type effect struct {
	userBalance     int64
	userAggregate   int64
	mediaAggregate  int64
	globalAggregate int64
	rewardBalance   int64
	needsMedia      bool
}

var effects = map[model.TransactionType]effect{
	model.TxTip:        {userBalance: -1, userAggregate: 1, mediaAggregate: 1, globalAggregate: 1, needsMedia: true},
	model.TxRefund:     {userBalance: 1, userAggregate: -1, mediaAggregate: -1, globalAggregate: -1, needsMedia: true},
	model.TxTopUp:      {userBalance: 1},
	model.TxReward:     {rewardBalance: 1},
	model.TxAdjustment: {userBalance: 1},

	model.TxRewardReversal: {rewardBalance: -1},
}

// TouchesMedia reports whether entries of type t move a media aggregate.
func TouchesMedia(t model.TransactionType) bool {
	return effects[t].needsMedia
}

// Apply returns the post-snapshot of an entry of type t and amount applied to
// pre. Fields the type does not affect are carried over unchanged.
func Apply(pre model.Snapshot, t model.TransactionType, amount int64) (model.Snapshot, error) {
	eff, ok := effects[t]
	if !ok {
		return model.Snapshot{}, model.Validationf("unknown transaction type %q", t)
	}
	post := model.Snapshot{
		UserBalance:     pre.UserBalance + eff.userBalance*amount,
		UserAggregate:   pre.UserAggregate + eff.userAggregate*amount,
		MediaAggregate:  pre.MediaAggregate + eff.mediaAggregate*amount,
		GlobalAggregate: pre.GlobalAggregate + eff.globalAggregate*amount,
		RewardBalance:   pre.RewardBalance + eff.rewardBalance*amount,
	}
	return post, nil
}

// validateAmount checks the amount sign rules of each type.
func validateAmount(t model.TransactionType, amount int64) error {
	switch t {
	case model.TxAdjustment:
		if amount == 0 {
			return model.Validationf("adjustment amount must be non-zero")
		}
	default:
		if amount <= 0 {
			return model.Validationf("%s amount must be positive, got %d", t, amount)
		}
	}
	return nil
}

// checkPost rejects post-snapshots that would drive a balance below zero.
func checkPost(t model.TransactionType, post model.Snapshot) error {
	switch {
	case post.UserBalance < 0:
		if t == model.TxTip {
			return model.Validationf("insufficient balance")
		}
		return model.Validationf("%s would make the user balance negative", t)
	case post.UserAggregate < 0, post.MediaAggregate < 0, post.GlobalAggregate < 0:
		return model.Validationf("%s would make an aggregate negative", t)
	case post.RewardBalance < 0:
		return model.Validationf("%s would make the reward balance negative", t)
	}
	return nil
}

// CheckInvariant verifies that the entry's post-snapshot equals its
// pre-snapshot with the type's effect applied.
func CheckInvariant(e *model.LedgerEntry) error {
	want, err := Apply(e.Pre, e.Type, e.Amount)
	if err != nil {
		return err
	}
	if want != e.Post {
		return fmt.Errorf("post snapshot %+v does not follow from pre %+v for %s %d", e.Post, e.Pre, e.Type, e.Amount)
	}
	return nil
}
