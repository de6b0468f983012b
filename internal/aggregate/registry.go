// Package aggregate evaluates named bid metrics and maintains the cached
// aggregates stored on media, party, party-media and user records.
//
// Every metric is declared once in a Registry. The Engine evaluates a
// definition against the committed bid history and never special-cases a
// metric by name.
package aggregate

import (
	"fmt"
	"slices"

	"github.com/tunebytes/bid-engine/internal/model"
)

// Definition declares one derivable quantity.
//
// Axes are the entities fixed by the evaluation parameters. For rank metrics
// RankOf is the axis being ranked; the remaining axes select the peer group.
// Holders are the identities attached to a top result. Owner is the record
// the cached value lives on; an empty Owner makes the metric evaluate-only.
// Axes the owner does not cover form the subject axis, and one cached value
// is kept per subject.
type Definition struct {
	Name    string            `json:"name"`
	Scope   model.MetricScope `json:"scope"`
	Kind    model.MetricKind  `json:"kind"`
	Axes    []model.Entity    `json:"axes"`
	RankOf  model.Entity      `json:"rank_of,omitempty"`
	Holders []model.Entity    `json:"holders,omitempty"`
	Owner   model.OwnerKind   `json:"owner,omitempty"`
}

func (d Definition) clone() Definition {
	d.Axes = slices.Clone(d.Axes)
	d.Holders = slices.Clone(d.Holders)
	return d
}

// HasAxis reports whether e is fixed by the metric's parameters.
func (d Definition) HasAxis(e model.Entity) bool {
	return slices.Contains(d.Axes, e)
}

// SubjectAxis returns the axis not covered by the owner, if any.
func (d Definition) SubjectAxis() (model.Entity, bool) {
	covered := ownerAxes[d.Owner]
	for _, a := range d.Axes {
		if !slices.Contains(covered, a) {
			return a, true
		}
	}
	return "", false
}

var ownerAxes = map[model.OwnerKind][]model.Entity{
	model.OwnerMedia:      {model.EntityMedia},
	model.OwnerParty:      {model.EntityParty},
	model.OwnerPartyMedia: {model.EntityParty, model.EntityMedia},
	model.OwnerUser:       {model.EntityUser},
}

func validEntity(e model.Entity) bool {
	switch e {
	case model.EntityUser, model.EntityMedia, model.EntityParty:
		return true
	}
	return false
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("metric name is empty")
	}
	switch d.Scope {
	case model.MetricScopeParty, model.MetricScopeGlobal:
	default:
		return fmt.Errorf("metric %s: unknown scope %q", d.Name, d.Scope)
	}
	switch d.Kind {
	case model.KindAggregate, model.KindTop, model.KindAverage, model.KindRank:
	default:
		return fmt.Errorf("metric %s: unknown kind %q", d.Name, d.Kind)
	}

	for i, a := range d.Axes {
		if !validEntity(a) {
			return fmt.Errorf("metric %s: unknown axis %q", d.Name, a)
		}
		if slices.Contains(d.Axes[:i], a) {
			return fmt.Errorf("metric %s: duplicate axis %q", d.Name, a)
		}
	}
	if (d.Scope == model.MetricScopeParty) != d.HasAxis(model.EntityParty) {
		return fmt.Errorf("metric %s: party scope and party axis must go together", d.Name)
	}

	if d.Kind == model.KindRank {
		if !d.HasAxis(d.RankOf) {
			return fmt.Errorf("metric %s: ranked axis %q is not a metric axis", d.Name, d.RankOf)
		}
	} else if d.RankOf != "" {
		return fmt.Errorf("metric %s: only rank metrics rank an axis", d.Name)
	}

	if d.Kind != model.KindTop && len(d.Holders) > 0 {
		return fmt.Errorf("metric %s: only top metrics carry holders", d.Name)
	}
	for i, h := range d.Holders {
		if !validEntity(h) {
			return fmt.Errorf("metric %s: unknown holder axis %q", d.Name, h)
		}
		if d.HasAxis(h) {
			return fmt.Errorf("metric %s: holder %q is already fixed by the parameters", d.Name, h)
		}
		if slices.Contains(d.Holders[:i], h) {
			return fmt.Errorf("metric %s: duplicate holder %q", d.Name, h)
		}
	}

	if d.Owner == "" {
		return nil
	}
	covered, ok := ownerAxes[d.Owner]
	if !ok {
		return fmt.Errorf("metric %s: unknown owner %q", d.Name, d.Owner)
	}
	for _, a := range covered {
		if !d.HasAxis(a) {
			return fmt.Errorf("metric %s: owner %s needs axis %q", d.Name, d.Owner, a)
		}
	}
	if len(d.Axes)-len(covered) > 1 {
		return fmt.Errorf("metric %s: at most one axis may vary per owner", d.Name)
	}
	if subject, ok := d.SubjectAxis(); ok && d.Kind == model.KindRank && subject != d.RankOf {
		return fmt.Errorf("metric %s: the per-owner subject must be the ranked axis", d.Name)
	}
	if _, ok := d.SubjectAxis(); !ok && d.Kind == model.KindRank {
		return fmt.Errorf("metric %s: a cached rank needs the ranked axis as its subject", d.Name)
	}
	return nil
}

// Registry is an immutable, validated set of metric definitions.
type Registry struct {
	defs   []Definition
	byName map[string]int
}

// NewRegistry validates defs and builds a registry. Names must be unique.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(defs))}
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("metric %s: duplicate name", d.Name)
		}
		r.byName[d.Name] = len(r.defs)
		r.defs = append(r.defs, d.clone())
	}
	return r, nil
}

// Lookup returns a copy of the named definition.
func (r *Registry) Lookup(name string) (Definition, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i].clone(), true
}

// Definitions returns copies of every definition in declaration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	for i, d := range r.defs {
		out[i] = d.clone()
	}
	return out
}

// Owned returns the definitions cached on records of the given kind.
func (r *Registry) Owned(kind model.OwnerKind) []Definition {
	var out []Definition
	for _, d := range r.defs {
		if d.Owner == kind {
			out = append(out, d.clone())
		}
	}
	return out
}

// DefaultRegistry returns the built-in metric table.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(defaultDefinitions...)
	if err != nil {
		panic(fmt.Sprintf("aggregate: invalid default registry: %v", err))
	}
	return r
}

var (
	global = model.MetricScopeGlobal
	party  = model.MetricScopeParty

	user  = model.EntityUser
	media = model.EntityMedia
	prty  = model.EntityParty
)

var defaultDefinitions = []Definition{
	// Cached on the media record.
	{Name: "global_media_aggregate", Scope: global, Kind: model.KindAggregate, Axes: []model.Entity{media}, Owner: model.OwnerMedia},
	{Name: "global_media_top", Scope: global, Kind: model.KindTop, Axes: []model.Entity{media}, Holders: []model.Entity{user, prty}, Owner: model.OwnerMedia},
	{Name: "global_media_average", Scope: global, Kind: model.KindAverage, Axes: []model.Entity{media}, Owner: model.OwnerMedia},

	// Cached on the party record.
	{Name: "party_aggregate", Scope: party, Kind: model.KindAggregate, Axes: []model.Entity{prty}, Owner: model.OwnerParty},
	{Name: "party_top", Scope: party, Kind: model.KindTop, Axes: []model.Entity{prty}, Holders: []model.Entity{user, media}, Owner: model.OwnerParty},
	{Name: "party_average", Scope: party, Kind: model.KindAverage, Axes: []model.Entity{prty}, Owner: model.OwnerParty},
	{Name: "party_media_rank", Scope: party, Kind: model.KindRank, Axes: []model.Entity{prty, media}, RankOf: media, Owner: model.OwnerParty},
	{Name: "party_user_rank", Scope: party, Kind: model.KindRank, Axes: []model.Entity{prty, user}, RankOf: user, Owner: model.OwnerParty},

	// Cached on the party's per-media entry.
	{Name: "party_media_aggregate", Scope: party, Kind: model.KindAggregate, Axes: []model.Entity{prty, media}, Owner: model.OwnerPartyMedia},
	{Name: "party_media_top", Scope: party, Kind: model.KindTop, Axes: []model.Entity{prty, media}, Holders: []model.Entity{user}, Owner: model.OwnerPartyMedia},
	{Name: "party_media_average", Scope: party, Kind: model.KindAverage, Axes: []model.Entity{prty, media}, Owner: model.OwnerPartyMedia},

	// Cached on the user record.
	{Name: "global_user_aggregate", Scope: global, Kind: model.KindAggregate, Axes: []model.Entity{user}, Owner: model.OwnerUser},
	{Name: "global_user_top", Scope: global, Kind: model.KindTop, Axes: []model.Entity{user}, Holders: []model.Entity{media, prty}, Owner: model.OwnerUser},
	{Name: "global_user_media_aggregate", Scope: global, Kind: model.KindAggregate, Axes: []model.Entity{user, media}, Owner: model.OwnerUser},

	// Evaluated on demand only.
	{Name: "global_aggregate", Scope: global, Kind: model.KindAggregate},
	{Name: "global_top", Scope: global, Kind: model.KindTop, Holders: []model.Entity{user, media, prty}},
	{Name: "global_media_rank", Scope: global, Kind: model.KindRank, Axes: []model.Entity{media}, RankOf: media},
	{Name: "global_user_rank", Scope: global, Kind: model.KindRank, Axes: []model.Entity{user}, RankOf: user},
	{Name: "party_user_aggregate", Scope: party, Kind: model.KindAggregate, Axes: []model.Entity{prty, user}},
}
