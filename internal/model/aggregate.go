package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MetricScope bounds a metric to one party or spans all parties.
type MetricScope string

const (
	MetricScopeParty  MetricScope = "party"
	MetricScopeGlobal MetricScope = "global"
)

// MetricKind determines the computation and the returned shape.
type MetricKind string

const (
	KindAggregate MetricKind = "aggregate"
	KindTop       MetricKind = "top"
	KindAverage   MetricKind = "average"
	KindRank      MetricKind = "rank"
)

// Entity is an axis a metric can be bound to or report on.
type Entity string

const (
	EntityUser  Entity = "user"
	EntityMedia Entity = "media"
	EntityParty Entity = "party"
)

// Holder identifies the bid behind a top value. Only the identities for the
// metric's holder axes are set.
type Holder struct {
	BidID   string `json:"bid_id"`
	UserID  string `json:"user_id,omitempty"`
	MediaID string `json:"media_id,omitempty"`
	PartyID string `json:"party_id,omitempty"`
}

// MetricValue is the typed result of evaluating one metric. Which fields are
// meaningful is fixed by Kind:
//
//	aggregate → Amount, Currency
//	top       → Amount, Currency, Holder (nil when no bids)
//	average   → Average, Currency, Count
//	rank      → Rank, TotalCount, Percentile
type MetricValue struct {
	Metric     string          `json:"metric"`
	Kind       MetricKind      `json:"kind"`
	Amount     int64           `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
	Holder     *Holder         `json:"holder,omitempty"`
	Average    decimal.Decimal `json:"average"`
	Count      int             `json:"count"`
	Rank       int             `json:"rank"`
	TotalCount int             `json:"total_count"`
	Percentile decimal.Decimal `json:"percentile"`
}

// OwnerKind is the record type a cached aggregate is stored on.
type OwnerKind string

const (
	OwnerMedia      OwnerKind = "media"
	OwnerParty      OwnerKind = "party"
	OwnerPartyMedia OwnerKind = "party_media"
	OwnerUser       OwnerKind = "user"
)

// Owner identifies the record holding a set of cached aggregates.
type Owner struct {
	Kind    OwnerKind `json:"kind"`
	PartyID string    `json:"party_id,omitempty"`
	MediaID string    `json:"media_id,omitempty"`
	UserID  string    `json:"user_id,omitempty"`
}

// MediaOwner, PartyOwner, PartyMediaOwner and UserOwner build owners.
func MediaOwner(mediaID string) Owner { return Owner{Kind: OwnerMedia, MediaID: mediaID} }
func PartyOwner(partyID string) Owner { return Owner{Kind: OwnerParty, PartyID: partyID} }
func UserOwner(userID string) Owner   { return Owner{Kind: OwnerUser, UserID: userID} }
func PartyMediaOwner(partyID, mediaID string) Owner {
	return Owner{Kind: OwnerPartyMedia, PartyID: partyID, MediaID: mediaID}
}

// Key is the stable storage key of the owner.
func (o Owner) Key() string {
	switch o.Kind {
	case OwnerMedia:
		return fmt.Sprintf("media:%s", o.MediaID)
	case OwnerParty:
		return fmt.Sprintf("party:%s", o.PartyID)
	case OwnerPartyMedia:
		return fmt.Sprintf("party:%s:media:%s", o.PartyID, o.MediaID)
	case OwnerUser:
		return fmt.Sprintf("user:%s", o.UserID)
	}
	return string(o.Kind)
}

// Filter returns the bid filter covering every bid relevant to the owner.
func (o Owner) Filter() BidFilter {
	return BidFilter{PartyID: o.PartyID, MediaID: o.MediaID, UserID: o.UserID}
}

// CachedAggregate is a denormalized, rebuildable snapshot of one metric value
// stored on the record it describes. SubjectID distinguishes several values
// of the same metric on one owner (a party's per-media ranks).
type CachedAggregate struct {
	Metric    string      `json:"metric"`
	Scope     MetricScope `json:"scope"`
	SubjectID string      `json:"subject_id,omitempty"`
	Value     MetricValue `json:"value"`
}

// OwnerAggregates is the complete set of cached values for one owner. A write
// replaces the whole set, and only if Revision is not older than the stored
// one.
type OwnerAggregates struct {
	Owner    Owner             `json:"owner"`
	Revision int64             `json:"revision"`
	Values   []CachedAggregate `json:"values"`
}

// Get returns the cached value for metric (and subject), if present.
func (a *OwnerAggregates) Get(metric, subjectID string) (CachedAggregate, bool) {
	if a == nil {
		return CachedAggregate{}, false
	}
	for _, v := range a.Values {
		if v.Metric == metric && v.SubjectID == subjectID {
			return v, true
		}
	}
	return CachedAggregate{}, false
}
