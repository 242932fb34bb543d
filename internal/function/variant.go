// Package function resolves a function_name to its config, selects a
// variant deterministically per episode, and handles variant-level
// failover. No source file in this module's lineage implements weighted
// deterministic sampling (goa-ai's agents pick a single configured model,
// not a weighted pool), so the sampling algorithm is hand-built over
// hash/fnv + math/rand/v2 — recorded in DESIGN.md rather than invented
// silently.
package function

import (
	"hash/fnv"
	"math/rand/v2"
	"sort"

	"github.com/google/uuid"

	"github.com/tensorzero/tensorzero-sub020/internal/config"
	"github.com/tensorzero/tensorzero-sub020/internal/tzerr"
)

// hashFloat01 maps key to a uniform value in [0, 1) deterministically. FNV-1a
// takes no per-process seed, so selection is reproducible across gateway
// replicas and restarts, not merely within one process.
func hashFloat01(key string) float64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return float64(h.Sum64()>>11) / (1 << 53)
}

// candidate is one variant eligible for sampling.
type candidate struct {
	name   string
	weight float64
}

// SelectVariant deterministically picks a variant for (function, episode_id).
// If explicitVariant is non-empty, sampling is bypassed entirely and that
// variant is required to exist. Otherwise: variants with
// weight <= 0 are excluded from sampling, and the chosen name is a
// deterministic function of (functionName, episodeID) — repeated calls
// within the same episode always select the same variant.
func SelectVariant(fn config.FunctionConfig, functionName string, episodeID uuid.UUID, explicitVariant string) (string, error) {
	if explicitVariant != "" {
		if _, ok := fn.Variants[explicitVariant]; !ok {
			return "", tzerr.New(tzerr.KindUnknownVariant, "function %q has no variant %q", functionName, explicitVariant)
		}
		return explicitVariant, nil
	}

	candidates := eligibleCandidates(fn, nil)
	if len(candidates) == 0 {
		return "", tzerr.New(tzerr.KindUnknownVariant, "function %q has no variants with weight > 0", functionName)
	}
	key := functionName + "\x00" + episodeID.String()
	return weightedPick(candidates, hashFloat01(key)), nil
}

// eligibleCandidates returns every variant with weight > 0, excluding any
// name present in exclude, sorted by name for deterministic iteration order
// (Go map iteration order is randomized; the weighted pick must not be).
func eligibleCandidates(fn config.FunctionConfig, exclude map[string]bool) []candidate {
	var out []candidate
	for name, v := range fn.Variants {
		if v.Weight <= 0 || exclude[name] {
			continue
		}
		out = append(out, candidate{name: name, weight: v.Weight})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// weightedPick deterministically maps u (a value in [0, 1)) onto one
// candidate, proportional to weight.
func weightedPick(candidates []candidate, u float64) string {
	var total float64
	for _, c := range candidates {
		total += c.weight
	}
	target := u * total
	var cum float64
	for _, c := range candidates {
		cum += c.weight
		if target < cum {
			return c.name
		}
	}
	return candidates[len(candidates)-1].name
}

// FailoverPicker drives variant failover: on a variant's execution failure,
// try the next variant at random from the remaining
// weighted pool, up to the size of the variant set, before giving up.
type FailoverPicker struct {
	fn        config.FunctionConfig
	tried     map[string]bool
	remaining int
}

// NewFailoverPicker starts a failover sequence after first already failed.
func NewFailoverPicker(fn config.FunctionConfig, first string) *FailoverPicker {
	tried := map[string]bool{first: true}
	return &FailoverPicker{fn: fn, tried: tried, remaining: len(fn.Variants) - 1}
}

// Next returns the next variant to try, or ok=false once every variant with
// weight > 0 has been attempted (zero-weight variants are never offered). Unlike the initial deterministic pick, failover order is
// randomized, weighted by the remaining variants' weights, since it only
// matters that *a* working variant is found, not which one.
func (f *FailoverPicker) Next() (name string, ok bool) {
	if f.remaining <= 0 {
		return "", false
	}
	candidates := eligibleCandidates(f.fn, f.tried)
	if len(candidates) == 0 {
		return "", false
	}
	f.remaining--
	chosen := weightedPick(candidates, rand.Float64())
	f.tried[chosen] = true
	return chosen, true
}
