package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tunebytes/bid-engine/internal/metrics"
	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Params fixes the entity axes of one evaluation.
type Params struct {
	UserID  string `json:"user_id,omitempty"`
	MediaID string `json:"media_id,omitempty"`
	PartyID string `json:"party_id,omitempty"`
}

func (p Params) get(e model.Entity) string {
	switch e {
	case model.EntityUser:
		return p.UserID
	case model.EntityMedia:
		return p.MediaID
	case model.EntityParty:
		return p.PartyID
	}
	return ""
}

func (p Params) with(e model.Entity, id string) Params {
	switch e {
	case model.EntityUser:
		p.UserID = id
	case model.EntityMedia:
		p.MediaID = id
	case model.EntityParty:
		p.PartyID = id
	}
	return p
}

func ownerParams(o model.Owner) Params {
	return Params{UserID: o.UserID, MediaID: o.MediaID, PartyID: o.PartyID}
}

// filter returns the bid selection for def: every fixed axis, except the
// ranked one, whose peers must all be visible.
func (p Params) filter(def Definition) model.BidFilter {
	var f model.BidFilter
	for _, a := range def.Axes {
		if def.Kind == model.KindRank && a == def.RankOf {
			continue
		}
		switch a {
		case model.EntityUser:
			f.UserID = p.UserID
		case model.EntityMedia:
			f.MediaID = p.MediaID
		case model.EntityParty:
			f.PartyID = p.PartyID
		}
	}
	return f
}

// Result describes one recompute.
type Result struct {
	Sets    []model.OwnerAggregates
	Written int
}

// Engine evaluates registry metrics and maintains cached aggregates.
type Engine struct {
	store    store.Store
	registry *Registry
	dirty    store.DirtySet
}

// NewEngine creates an engine. dirty may be nil, in which case failed
// recomputes are only logged.
func NewEngine(st store.Store, registry *Registry, dirty store.DirtySet) *Engine {
	return &Engine{store: st, registry: registry, dirty: dirty}
}

// Registry returns the engine's metric registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Evaluate computes the named metric fresh from the bid history.
func (e *Engine) Evaluate(ctx context.Context, name string, p Params) (model.MetricValue, error) {
	def, ok := e.registry.Lookup(name)
	if !ok {
		return model.MetricValue{}, model.Validationf("unknown metric %q", name)
	}
	for _, a := range def.Axes {
		if p.get(a) == "" {
			return model.MetricValue{}, model.Validationf("metric %s needs a %s id", name, a)
		}
	}
	set, err := e.store.ListBids(ctx, p.filter(def))
	if err != nil {
		return model.MetricValue{}, fmt.Errorf("evaluate %s: %w", name, err)
	}
	return evaluate(def, p, set), nil
}

// Cached returns the stored aggregates of one owner.
func (e *Engine) Cached(ctx context.Context, owner model.Owner) (*model.OwnerAggregates, error) {
	return e.store.GetAggregates(ctx, owner)
}

// RecomputeMedia refreshes the media record and the media's entry in every
// party it was bid on.
func (e *Engine) RecomputeMedia(ctx context.Context, mediaID string) (*Result, error) {
	return e.recompute(ctx, model.MediaOwner(mediaID))
}

// RecomputeParty refreshes the party record and each of its per-media entries.
func (e *Engine) RecomputeParty(ctx context.Context, partyID string) (*Result, error) {
	return e.recompute(ctx, model.PartyOwner(partyID))
}

// RecomputeUser refreshes the user record.
func (e *Engine) RecomputeUser(ctx context.Context, userID string) (*Result, error) {
	return e.recompute(ctx, model.UserOwner(userID))
}

// Recompute refreshes any owner. A party-media owner is refreshed through
// its party.
func (e *Engine) Recompute(ctx context.Context, owner model.Owner) (*Result, error) {
	if owner.Kind == model.OwnerPartyMedia {
		owner = model.PartyOwner(owner.PartyID)
	}
	switch owner.Kind {
	case model.OwnerMedia, model.OwnerParty, model.OwnerUser:
		return e.recompute(ctx, owner)
	}
	return nil, model.Validationf("unknown owner kind %q", owner.Kind)
}

func (e *Engine) recompute(ctx context.Context, root model.Owner) (*Result, error) {
	set, err := e.store.ListBids(ctx, root.Filter())
	if err != nil {
		e.fail(ctx, root, err)
		return nil, fmt.Errorf("recompute %s: %w", root.Key(), err)
	}

	owners := []model.Owner{root}
	switch root.Kind {
	case model.OwnerMedia:
		for _, partyID := range distinct(set.Bids, model.EntityParty) {
			owners = append(owners, model.PartyMediaOwner(partyID, root.MediaID))
		}
	case model.OwnerParty:
		for _, mediaID := range distinct(set.Bids, model.EntityMedia) {
			owners = append(owners, model.PartyMediaOwner(root.PartyID, mediaID))
		}
	}

	res := &Result{Sets: make([]model.OwnerAggregates, 0, len(owners))}
	for _, o := range owners {
		sub := set
		if o != root {
			sub = set.Where(o.Filter())
		}
		res.Sets = append(res.Sets, model.OwnerAggregates{
			Owner:    o,
			Revision: sub.Revision,
			Values:   e.build(o, sub),
		})
	}

	res.Written, err = e.store.PutAggregates(ctx, res.Sets...)
	if err != nil {
		e.fail(ctx, root, err)
		return nil, fmt.Errorf("recompute %s: write: %w", root.Key(), err)
	}
	metrics.Recomputes.WithLabelValues(string(root.Kind), "ok").Inc()
	slog.DebugContext(ctx, "recomputed aggregates",
		"owner", root.Key(), "owners", len(res.Sets), "written", res.Written, "revision", set.Revision)
	return res, nil
}

func (e *Engine) fail(ctx context.Context, root model.Owner, err error) {
	metrics.Recomputes.WithLabelValues(string(root.Kind), "error").Inc()
	slog.ErrorContext(ctx, "recompute failed, marking dirty", "owner", root.Key(), "err", err)
	if e.dirty == nil {
		return
	}
	if derr := e.dirty.Mark(ctx, root); derr != nil {
		slog.ErrorContext(ctx, "mark dirty failed", "owner", root.Key(), "err", derr)
	}
}

// build evaluates every metric owned by o over its bid set.
func (e *Engine) build(o model.Owner, set model.BidSet) []model.CachedAggregate {
	base := ownerParams(o)
	var values []model.CachedAggregate
	for _, def := range e.registry.Owned(o.Kind) {
		subject, perSubject := def.SubjectAxis()
		if !perSubject {
			values = append(values, model.CachedAggregate{
				Metric: def.Name,
				Scope:  def.Scope,
				Value:  evaluate(def, base, set),
			})
			continue
		}
		for _, id := range distinct(set.Bids, subject) {
			values = append(values, model.CachedAggregate{
				Metric:    def.Name,
				Scope:     def.Scope,
				SubjectID: id,
				Value:     evaluate(def, base.with(subject, id), set),
			})
		}
	}
	return values
}

// evaluate computes def over set. It reads only counted bids and never
// mutates anything.
func evaluate(def Definition, p Params, set model.BidSet) model.MetricValue {
	bids := set.Where(p.filter(def)).Counted()
	v := model.MetricValue{Metric: def.Name, Kind: def.Kind}

	switch def.Kind {
	case model.KindAggregate:
		v.Currency = model.Currency
		v.Amount = sum(bids)

	case model.KindTop:
		v.Currency = model.Currency
		if top, ok := topBid(bids); ok {
			v.Amount = top.Amount
			v.Holder = holder(def, top)
		}

	case model.KindAverage:
		v.Currency = model.Currency
		v.Count = len(bids)
		if v.Count > 0 {
			v.Average = decimal.NewFromInt(sum(bids)).Div(decimal.NewFromInt(int64(v.Count))).Round(2)
		}

	case model.KindRank:
		v.Rank, v.TotalCount = rank(bids, def.RankOf, p.get(def.RankOf))
		if v.Rank > 0 {
			v.Percentile = decimal.NewFromInt(int64(v.TotalCount - v.Rank + 1)).
				Mul(hundred).
				Div(decimal.NewFromInt(int64(v.TotalCount))).
				Round(2)
		}
	}
	return v
}

func sum(bids []model.Bid) int64 {
	var total int64
	for _, b := range bids {
		total += b.Amount
	}
	return total
}

// topBid returns the highest bid, ties going to the earliest, then lowest id.
func topBid(bids []model.Bid) (model.Bid, bool) {
	if len(bids) == 0 {
		return model.Bid{}, false
	}
	best := bids[0]
	for _, b := range bids[1:] {
		if b.Amount > best.Amount || (b.Amount == best.Amount && earlier(b, best)) {
			best = b
		}
	}
	return best, true
}

func earlier(a, b model.Bid) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func holder(def Definition, b model.Bid) *model.Holder {
	h := &model.Holder{BidID: b.ID}
	for _, axis := range def.Holders {
		switch axis {
		case model.EntityUser:
			h.UserID = b.UserID
		case model.EntityMedia:
			h.MediaID = b.MediaID
		case model.EntityParty:
			h.PartyID = b.PartyID
		}
	}
	return h
}

type standing struct {
	id    string
	total int64
	first model.Bid
}

// rank orders the entities on axis by aggregate (desc), then earliest first
// bid, then id, and returns subject's 1-based position and the number of
// ranked entities. A subject without counted bids has rank 0.
func rank(bids []model.Bid, axis model.Entity, subject string) (int, int) {
	byID := make(map[string]*standing)
	for _, b := range bids {
		id := entityID(b, axis)
		if id == "" {
			continue
		}
		s, ok := byID[id]
		if !ok {
			s = &standing{id: id, first: b}
			byID[id] = s
		}
		s.total += b.Amount
		if earlier(b, s.first) {
			s.first = b
		}
	}

	ordered := make([]*standing, 0, len(byID))
	for _, s := range byID {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.total != b.total {
			return a.total > b.total
		}
		if !a.first.CreatedAt.Equal(b.first.CreatedAt) {
			return a.first.CreatedAt.Before(b.first.CreatedAt)
		}
		return a.id < b.id
	})

	for i, s := range ordered {
		if s.id == subject {
			return i + 1, len(ordered)
		}
	}
	return 0, len(ordered)
}

func entityID(b model.Bid, e model.Entity) string {
	switch e {
	case model.EntityUser:
		return b.UserID
	case model.EntityMedia:
		return b.MediaID
	case model.EntityParty:
		return b.PartyID
	}
	return ""
}

// distinct returns the sorted non-empty ids on axis across bids in any status.
func distinct(bids []model.Bid, axis model.Entity) []string {
	seen := make(map[string]struct{})
	for _, b := range bids {
		if id := entityID(b, axis); id != "" {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
