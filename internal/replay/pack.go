// Package replay builds, stores, and re-executes replay packs.
//
// A pack is the immutable per-item artifact capturing every input needed
// for deterministic re-execution: the normalized payload, the mapped
// payload, the lookup slices consulted, the flag snapshot, and the
// compiled rules order.
package replay

import (
	"encoding/json"
	"fmt"

	"github.com/herbly/menupipe/internal/batch"
	"github.com/herbly/menupipe/internal/item"
	"github.com/herbly/menupipe/internal/lookup"
	"github.com/herbly/menupipe/internal/ruleset"
)

// PackVersion advances on any incompatible shape change; loaders switch
// behavior by version.
const PackVersion = 1

// BuildInfo carries the process-level provenance stamped into packs.
type BuildInfo struct {
	AppVersion           string
	GitSHA               string
	PayloadSchemaVersion string
}

// ResolverSnapshot is the subset of the lookup maps consulted by the
// item's fired rules, keyed exactly as the rules keyed their lookups.
type ResolverSnapshot struct {
	Brands  map[string]int64 `json:"brands"`
	Strains map[string]int64 `json:"strains"`
	Tags    map[string]int64 `json:"tags"`
}

// Pack is the replay artifact. Field order tracks the wire schema.
type Pack struct {
	PackVersion          int                   `json:"pack_version"`
	ProducedAt           int64                 `json:"produced_at"`
	Env                  string                `json:"env"`
	AppVersion           string                `json:"app_version"`
	GitSHA               string                `json:"git_sha"`
	RulesetVersion       string                `json:"ruleset_version"`
	FlagsVersion         string                `json:"flags_version"`
	PayloadSchemaVersion string                `json:"payload_schema_version"`
	SourceID             string                `json:"source_id"`
	ExternalID           string                `json:"external_id"`
	IngestID             string                `json:"ingest_id"`
	Status               string                `json:"status"`
	FiredRules           []string              `json:"fired_rules"`
	RawPayloadNormalized map[string]any        `json:"raw_payload_normalized"`
	MappedPayload        map[string]any        `json:"mapped_payload"`
	ChangedKeys          []string              `json:"changed_keys"`
	Changes              map[string]any        `json:"changes"`
	Violations           map[string][]string   `json:"violations"`
	ResolverSnapshot     ResolverSnapshot      `json:"resolver_snapshot"`
	RulesOrder           []ruleset.OrderedRule `json:"rules_order"`
	FlagsSnapshot        map[string]bool       `json:"flags_snapshot"`
}

// Build captures a terminal item into a pack.
//
// rulesOrder is the compiled order governing the item: the external
// transformer's order followed by the canonical ruleset order for the
// classified action (transformer order alone when the item never reached
// classification). produced_at is the frozen batch clock, so re-running
// an identical batch produces byte-identical packs.
func Build(bctx *batch.Context, itc *item.Context, rulesOrder []ruleset.OrderedRule, info BuildInfo) (*Pack, error) {
	if !itc.Status.Terminal() {
		return nil, fmt.Errorf("replay pack for non-terminal item %q (status %s)", itc.ExternalID, itc.Status)
	}

	brands, strains, tags := consultedSlices(bctx.Lookups, itc.Mapped)

	pack := &Pack{
		PackVersion:          PackVersion,
		ProducedAt:           bctx.Now.Unix(),
		Env:                  bctx.Env,
		AppVersion:           info.AppVersion,
		GitSHA:               info.GitSHA,
		RulesetVersion:       bctx.RulesetVersion,
		FlagsVersion:         bctx.Flags.Version(),
		PayloadSchemaVersion: info.PayloadSchemaVersion,
		SourceID:             itc.SourceID,
		ExternalID:           itc.ExternalID,
		IngestID:             itc.IngestID,
		Status:               string(itc.Status),
		FiredRules:           append([]string(nil), itc.Fired...),
		RawPayloadNormalized: itc.Payload,
		MappedPayload:        itc.Mapped,
		ChangedKeys:          itc.ChangedKeys.List(),
		Changes:              itc.Changes,
		Violations:           itc.Violations,
		ResolverSnapshot:     ResolverSnapshot{Brands: brands, Strains: strains, Tags: tags},
		RulesOrder:           rulesOrder,
		FlagsSnapshot:        bctx.Flags.Values(),
	}

	if pack.MappedPayload == nil {
		pack.MappedPayload = map[string]any{}
	}
	if pack.Changes == nil {
		pack.Changes = map[string]any{}
	}
	if pack.FiredRules == nil {
		pack.FiredRules = []string{}
	}
	if pack.ChangedKeys == nil {
		pack.ChangedKeys = []string{}
	}
	if pack.Violations == nil {
		pack.Violations = map[string][]string{}
	}
	return pack, nil
}

// consultedSlices extracts the lookup subsets the mapped payload keys.
func consultedSlices(maps *lookup.Maps, mapped map[string]any) (map[string]int64, map[string]int64, map[string]int64) {
	var brandKeys, strainNames, tagNames []string
	if v, ok := mapped["brand_name"].(string); ok && v != "" {
		brandKeys = append(brandKeys, v)
	}
	if v, ok := mapped["strain_name"].(string); ok && v != "" {
		strainNames = append(strainNames, v)
	}
	switch list := mapped["tag_names"].(type) {
	case []string:
		tagNames = append(tagNames, list...)
	case []any:
		for _, e := range list {
			if s, ok := e.(string); ok {
				tagNames = append(tagNames, s)
			}
		}
	}

	brandRecs, strains, tagRecs := maps.Slice(brandKeys, strainNames, tagNames)

	brands := make(map[string]int64, len(brandRecs))
	for k, b := range brandRecs {
		brands[k] = b.ID
	}
	tags := make(map[string]int64, len(tagRecs))
	for k, t := range tagRecs {
		tags[k] = t.ID
	}
	return brands, strains, tags
}

// Marshal serializes a pack as indented JSON. Struct field order is
// fixed and map keys sort, so equal packs marshal to equal bytes.
func (p *Pack) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal replay pack: %w", err)
	}
	return data, nil
}

// Unmarshal parses a pack, rejecting unknown versions.
func Unmarshal(data []byte) (*Pack, error) {
	var p Pack
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal replay pack: %w", err)
	}
	if p.PackVersion != PackVersion {
		return nil, fmt.Errorf("unsupported pack_version %d (loader supports %d)", p.PackVersion, PackVersion)
	}
	return &p, nil
}

// Key returns the artifact path for a pack:
// env=<env>/date=<YYYY-MM-DD>/status=<status>/ruleset=<ver>/<source_id>/<external_id>/<ingest_id>.json.gz
func (p *Pack) Key() string {
	date := dateUTC(p.ProducedAt)
	return fmt.Sprintf("env=%s/date=%s/status=%s/ruleset=%s/%s/%s/%s.json.gz",
		p.Env, date, p.Status, p.RulesetVersion, p.SourceID, p.ExternalID, p.IngestID)
}
