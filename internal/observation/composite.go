package observation

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Source produces a RawObservation for a tenant. A source may be backed
// by an HTTP fetch, a local cache, or any other mechanism; callers that
// fetch over the network should route the URL through
// internal/ssrf.Classifier before invoking a source that dials out.
type Source interface {
	Name() string
	Observe(ctx context.Context, tenantID string) (RawObservation, error)
}

// Composite fans a tenant's observation request out to every configured
// Source, merging their normalized results with last-writer-wins
// semantics over Source order. A single source's failure is logged and
// skipped — it never fails the whole observation, mirroring the
// teacher's per-record fault isolation in its event fan-in loop.
type Composite struct {
	sources []Source
	limits  Limits
	log     *zap.Logger
}

// NewComposite builds a Composite over sources, applied in the order
// given — later sources win when merging overlapping state keys.
func NewComposite(sources []Source, limits Limits, log *zap.Logger) *Composite {
	return &Composite{sources: sources, limits: limits, log: log}
}

// Observe queries every source concurrently and merges their normalized
// results. Returns an error only when every source failed.
func (c *Composite) Observe(ctx context.Context, tenantID string) (NormalizedObservation, error) {
	type result struct {
		idx int
		obs NormalizedObservation
		err error
	}

	results := make([]result, len(c.sources))
	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			raw, err := src.Observe(ctx, tenantID)
			if err != nil {
				results[i] = result{idx: i, err: err}
				return
			}
			norm, err := Normalize(raw, c.limits)
			results[i] = result{idx: i, obs: norm, err: err}
		}(i, src)
	}
	wg.Wait()

	merged := NormalizedObservation{State: map[string]any{}}
	succeeded := 0
	for _, r := range results {
		if r.err != nil {
			if c.log != nil {
				c.log.Warn("observation source failed",
					zap.String("tenant_id", tenantID),
					zap.String("source", c.sources[r.idx].Name()),
					zap.Error(r.err))
			}
			continue
		}
		succeeded++
		mergeInto(&merged, r.obs)
	}

	if succeeded == 0 && len(c.sources) > 0 {
		return NormalizedObservation{}, ErrAllSourcesFailed
	}
	return merged, nil
}

func mergeInto(dst *NormalizedObservation, src NormalizedObservation) {
	if src.Input != "" {
		dst.Input = src.Input
	}
	if len(src.Events) > 0 {
		dst.Events = append(dst.Events, src.Events...)
	}
	for k, v := range src.State {
		dst.State[k] = v
	}
}

// ErrAllSourcesFailed is returned when every configured Source errored
// on the same Observe call.
var ErrAllSourcesFailed = compositeError("observation: all sources failed")

type compositeError string

func (e compositeError) Error() string { return string(e) }
