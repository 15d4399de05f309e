// Package routing implements the Router / Policy Engine (C5): builds a
// fallback chain from operator mode and classifier output, then
// attempts each tier in order until one succeeds. Grounded on the
// teacher's router.go circuit-breaker/fallback shape, narrowed from N
// weighted endpoints down to the spec's fixed three-tier chain.
package routing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rigrun/rigrun/cache"
	"github.com/rigrun/rigrun/classifier"
	"github.com/rigrun/rigrun/providers/cloud"
	"github.com/rigrun/rigrun/providers/local"
	"github.com/rigrun/rigrun/types"
)

// Mode is the operator-configured routing policy.
type Mode string

const (
	ModeLocalOnly    Mode = "local_only"
	ModeHybrid       Mode = "hybrid"
	ModeCloudPrimary Mode = "cloud_primary"
	ModeParanoid     Mode = "paranoid"
)

// Config configures a Router's policy and the knobs that affect
// tier-attempt behavior.
type Config struct {
	Mode              Mode
	AutoPull          bool
	CloudRetryOn429   bool
	CloudRetryBackoff time.Duration
	CacheTTL          time.Duration
	AliasSharing      cache.AliasSharingPolicy
}

// Recorder receives the side effects of a completed tier attempt:
// cache inserts, usage/audit bookkeeping. Kept as an interface so the
// router package has no dependency on stats/audit concrete types,
// avoiding an import cycle (stats and audit both depend on types only).
type Recorder interface {
	RecordSuccess(tier types.Tier, q types.Query, resp types.Response, blocked bool)
	RecordBlocked(tier types.Tier, q types.Query)
}

// noopRecorder is used when the caller supplies none, so Router never
// has to nil-check.
type noopRecorder struct{}

func (noopRecorder) RecordSuccess(types.Tier, types.Query, types.Response, bool) {}
func (noopRecorder) RecordBlocked(types.Tier, types.Query)                      {}

// Router is the Policy Engine (C5). It holds no per-request state;
// every field is safe for concurrent use by multiple request
// goroutines.
type Router struct {
	cache    *cache.Cache
	local    *local.Adapter
	cloud    *cloud.Adapter
	config   Config
	recorder Recorder
	logger   *zap.SugaredLogger
}

// New builds a Router over the given tiers. recorder may be nil, in
// which case successes and blocks are silently dropped (useful in
// tests that only care about routing decisions).
func New(c *cache.Cache, l *local.Adapter, cl *cloud.Adapter, cfg Config, recorder Recorder, logger *zap.SugaredLogger) *Router {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Router{cache: c, local: l, cloud: cl, config: cfg, recorder: recorder, logger: logger}
}

// BuildChain constructs the ordered fallback chain for a classification
// under the router's configured mode, per spec §4.5 step 2. LocalOnly
// and Paranoid both keep Cloud nominally in the chain, last, so that a
// Local failure still reaches attemptCloud: attemptCloud refuses by
// policy before ever calling the cloud adapter, but the attempt step
// still runs and records the CloudBlocked audit entry the two modes
// require. No outbound cloud request is ever issued under either mode.
func BuildChain(mode Mode, classification types.Classification) []types.Tier {
	var chain []types.Tier
	switch mode {
	case ModeLocalOnly:
		chain = []types.Tier{types.TierLocal, types.TierCloud}
	case ModeParanoid:
		chain = []types.Tier{types.TierLocal, types.TierCloud}
	case ModeCloudPrimary:
		chain = []types.Tier{types.TierCloud, types.TierLocal}
	case ModeHybrid, "":
		chain = []types.Tier{types.TierLocal, types.TierCloud}
	default:
		chain = []types.Tier{types.TierLocal, types.TierCloud}
	}

	if classification.Cacheable {
		chain = append([]types.Tier{types.TierCache}, chain...)
	}
	return chain
}

// Route executes the full policy: classify, build the chain, attempt
// each tier in order, record the winner. Returns NoTierAvailableError
// carrying every tier's failure if the chain is exhausted.
func (r *Router) Route(ctx context.Context, q types.Query) (types.Response, error) {
	classification := classifier.Classify(q)
	chain := BuildChain(r.config.Mode, classification)

	fingerprint := cache.Fingerprint(q, r.config.AliasSharing)

	var failures []types.TierFailure
	for _, tier := range chain {
		select {
		case <-ctx.Done():
			return types.Response{}, ctx.Err()
		default:
		}

		resp, err := r.attempt(ctx, tier, q, fingerprint)

		if err == nil {
			if tier != types.TierCache && classification.Cacheable {
				r.cache.Insert(fingerprint, resp.Text, resp.PromptTokens, resp.CompletionTokens, tier, r.config.CacheTTL)
			}
			r.recorder.RecordSuccess(tier, q, resp, false)
			return resp, nil
		}

		if _, blocked := err.(*blockedErr); blocked {
			r.recorder.RecordBlocked(tier, q)
			failures = append(failures, types.TierFailure{Tier: tier, Err: err})
			continue
		}

		failures = append(failures, types.TierFailure{Tier: tier, Err: err})
		if r.logger != nil {
			r.logger.Warnw("tier attempt failed, falling back", "tier", tier, "error", err)
		}
	}

	return types.Response{}, &types.NoTierAvailableError{Failures: failures}
}

// RouteStream mirrors Route but skips the Cache tier entirely, since
// streaming responses are never cached, and streams chunks to sink
// instead of returning one assembled Response.
func (r *Router) RouteStream(ctx context.Context, q types.Query, sink func(types.StreamChunk)) error {
	classification := classifier.Classify(q)
	chain := BuildChain(r.config.Mode, classification)

	var failures []types.TierFailure
	for _, tier := range chain {
		if tier == types.TierCache {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := r.attemptStream(ctx, tier, q, sink)
		if err == nil {
			r.recorder.RecordSuccess(tier, q, types.Response{}, false)
			return nil
		}

		if _, blocked := err.(*blockedErr); blocked {
			r.recorder.RecordBlocked(tier, q)
			failures = append(failures, types.TierFailure{Tier: tier, Err: err})
			continue
		}

		failures = append(failures, types.TierFailure{Tier: tier, Err: err})
		if r.logger != nil {
			r.logger.Warnw("streaming tier attempt failed, falling back", "tier", tier, "error", err)
		}
	}

	return &types.NoTierAvailableError{Failures: failures}
}

func (r *Router) attemptStream(ctx context.Context, tier types.Tier, q types.Query, sink func(types.StreamChunk)) error {
	switch tier {
	case types.TierLocal:
		if err := r.local.IsUp(ctx); err != nil {
			return err
		}
		return r.local.ChatStream(ctx, q.RequestedModel, q.Messages, sink)
	case types.TierCloud:
		if r.config.Mode == ModeLocalOnly || r.config.Mode == ModeParanoid {
			return &blockedErr{types.NewErrNotConfigured()}
		}
		if !r.cloud.Configured() {
			return &blockedErr{types.NewErrNotConfigured()}
		}
		return r.cloud.ChatStream(ctx, q.RequestedModel, q.Messages, sink)
	default:
		return types.NewErrNetwork("unsupported streaming tier")
	}
}

// blockedErr marks a Cloud attempt refused by policy (Paranoid/LocalOnly
// forbid Cloud outright) rather than a backend failure, so Route can
// distinguish it for the CloudBlocked audit entry.
type blockedErr struct{ error }

func (r *Router) attempt(ctx context.Context, tier types.Tier, q types.Query, fingerprint string) (types.Response, error) {
	switch tier {
	case types.TierCache:
		return r.attemptCache(fingerprint, q)
	case types.TierLocal:
		return r.attemptLocal(ctx, q)
	case types.TierCloud:
		return r.attemptCloud(ctx, q)
	default:
		return types.Response{}, types.NewErrNetwork("unknown tier")
	}
}

func (r *Router) attemptCache(fingerprint string, q types.Query) (types.Response, error) {
	entry, ok := r.cache.Lookup(fingerprint)
	if !ok {
		return types.Response{}, types.NewErrCacheMiss()
	}
	return types.Response{
		Text:             entry.ResponseText,
		PromptTokens:     entry.PromptTokens,
		CompletionTokens: entry.CompletionTokens,
		Model:            q.RequestedModel,
	}, nil
}

func (r *Router) attemptLocal(ctx context.Context, query types.Query) (types.Response, error) {
	if err := r.local.IsUp(ctx); err != nil {
		return types.Response{}, err
	}

	resp, err := r.local.Chat(ctx, query.RequestedModel, query.Messages)
	if err == nil {
		return resp, nil
	}

	var missing *types.ErrModelMissing
	if !r.config.AutoPull || !asErrModelMissing(err, &missing) {
		return types.Response{}, err
	}

	if pullErr := r.local.EnsureModel(ctx, missing.Model, nil); pullErr != nil {
		return types.Response{}, pullErr
	}
	return r.local.Chat(ctx, query.RequestedModel, query.Messages)
}

func (r *Router) attemptCloud(ctx context.Context, query types.Query) (types.Response, error) {
	if r.config.Mode == ModeLocalOnly || r.config.Mode == ModeParanoid {
		return types.Response{}, &blockedErr{types.NewErrNotConfigured()}
	}
	if !r.cloud.Configured() {
		return types.Response{}, &blockedErr{types.NewErrNotConfigured()}
	}

	resp, err := r.cloud.Chat(ctx, query.RequestedModel, query.Messages)
	if err == nil {
		return resp, nil
	}

	var rateLimited *types.ErrRateLimited
	if r.config.CloudRetryOn429 && asErrRateLimited(err, &rateLimited) {
		select {
		case <-ctx.Done():
			return types.Response{}, ctx.Err()
		case <-time.After(r.config.CloudRetryBackoff):
		}
		return r.cloud.Chat(ctx, query.RequestedModel, query.Messages)
	}
	return types.Response{}, err
}

func asErrModelMissing(err error, target **types.ErrModelMissing) bool {
	if e, ok := err.(*types.ErrModelMissing); ok {
		*target = e
		return true
	}
	return false
}

func asErrRateLimited(err error, target **types.ErrRateLimited) bool {
	if e, ok := err.(*types.ErrRateLimited); ok {
		*target = e
		return true
	}
	return false
}
