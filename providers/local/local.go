// Package local implements the local backend adapter (C3): a thin client
// over a loopback inference daemon. Grounded on providers/local/ollama.go,
// generalized behind a Driver interface so the adapter's retry-free,
// closed-error-taxonomy contract is independent of which daemon backs it.
package local

import (
	"context"
	"time"

	"github.com/rigrun/rigrun/types"
)

// Model describes one model the local daemon knows about.
type Model struct {
	Name       string
	ModifiedAt time.Time
	SizeBytes  int64
}

// PullProgress is one frame of a model pull/download stream.
type PullProgress struct {
	Status    string
	Digest    string
	Total     int64
	Completed int64
}

// Driver is the wire-level contract a local daemon integration must
// satisfy. Ollama is the default and only driver the spec names; vllm
// and lmstudio drivers implement the same interface so they are
// selectable by config without touching the Adapter above them.
type Driver interface {
	// IsUp probes the daemon's liveness within a short, probe-scoped
	// deadline carried by ctx.
	IsUp(ctx context.Context) error

	// ListModels returns the models currently pulled locally.
	ListModels(ctx context.Context) ([]Model, error)

	// EnsureModel triggers (or joins) a pull of name, streaming progress
	// frames to sink until the pull completes or fails. Bounded by a
	// pull-scoped deadline carried by ctx, which is expected to be much
	// longer than the probe or generation deadlines.
	EnsureModel(ctx context.Context, name string, sink func(PullProgress)) error

	// Chat performs one non-streaming chat completion.
	Chat(ctx context.Context, model string, messages []types.Message) (types.Response, error)

	// ChatStream performs one streaming chat completion, invoking sink
	// for each chunk. The final sink call has Done set to true.
	ChatStream(ctx context.Context, model string, messages []types.Message, sink func(types.StreamChunk)) error
}

// Timeouts groups the three distinct per-operation deadlines the spec
// requires: probes are cheap and fast, generation is slow, pulls are
// very slow.
type Timeouts struct {
	Probe      time.Duration
	Generation time.Duration
	Pull       time.Duration
}

// DefaultTimeouts matches the teacher's OllamaProvider defaults,
// widened to the three-way split the spec requires.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Probe:      5 * time.Second,
		Generation: 2 * time.Minute,
		Pull:       2 * time.Hour,
	}
}

// Adapter is the Local Backend Adapter (C3): synchronous from the
// caller's view, backed by whichever Driver is configured. It never
// retries on its own — retries belong to the Router.
type Adapter struct {
	driver   Driver
	timeouts Timeouts
}

// New builds an Adapter over driver. Passing a zero Timeouts uses
// DefaultTimeouts.
func New(driver Driver, timeouts Timeouts) *Adapter {
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}
	return &Adapter{driver: driver, timeouts: timeouts}
}

// IsUp reports whether the local daemon is reachable, within the probe
// deadline. A context already carrying a shorter deadline is respected.
func (a *Adapter) IsUp(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Probe)
	defer cancel()
	if err := a.driver.IsUp(ctx); err != nil {
		return types.NewErrDown(err.Error())
	}
	return nil
}

// ListModels returns the models currently available locally.
func (a *Adapter) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Probe)
	defer cancel()
	return a.driver.ListModels(ctx)
}

// EnsureModel pulls model if it is not already present, recovering from
// ErrModelMissing. Callers should invoke this once and retry the
// triggering chat call once; the Adapter does not loop internally.
func (a *Adapter) EnsureModel(ctx context.Context, model string, sink func(PullProgress)) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Pull)
	defer cancel()
	if sink == nil {
		sink = func(PullProgress) {}
	}
	if err := a.driver.EnsureModel(ctx, model, sink); err != nil {
		return types.NewErrNetwork(err.Error())
	}
	return nil
}

// Chat performs one non-streaming chat completion against model.
func (a *Adapter) Chat(ctx context.Context, model string, messages []types.Message) (types.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Generation)
	defer cancel()

	resp, err := a.driver.Chat(ctx, model, messages)
	if err != nil {
		return types.Response{}, classifyErr(ctx, err, a.timeouts.Generation, model)
	}
	return resp, nil
}

// ChatStream performs one streaming chat completion, delivering chunks
// to sink as they arrive. A malformed frame from the driver aborts the
// stream with ErrAPI, delivered as the final sink call's Error.
func (a *Adapter) ChatStream(ctx context.Context, model string, messages []types.Message, sink func(types.StreamChunk)) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Generation)
	defer cancel()

	err := a.driver.ChatStream(ctx, model, messages, sink)
	if err != nil {
		return classifyErr(ctx, err, a.timeouts.Generation, model)
	}
	return nil
}

func classifyErr(ctx context.Context, err error, d time.Duration, model string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.NewErrTimeout("local chat", d)
	}
	if missing, ok := err.(modelMissingErr); ok {
		return types.NewErrModelMissing(missing.model)
	}
	if apiErr, ok := err.(apiStatusErr); ok {
		return types.NewErrAPI(apiErr.status, apiErr.snippet)
	}
	return types.NewErrNetwork(err.Error())
}

// modelMissingErr and apiStatusErr let drivers signal the two error
// shapes the Adapter maps to the closed taxonomy without importing
// types from this package (avoiding an import cycle back into types).
type modelMissingErr struct{ model string }

func (e modelMissingErr) Error() string { return "model missing: " + e.model }

// NewModelMissingError lets a Driver implementation report that the
// requested model isn't pulled locally.
func NewModelMissingError(model string) error { return modelMissingErr{model} }

type apiStatusErr struct {
	status  int
	snippet string
}

func (e apiStatusErr) Error() string { return "api error" }

// NewAPIStatusError lets a Driver implementation report a non-2xx HTTP
// response from the daemon.
func NewAPIStatusError(status int, snippet string) error {
	return apiStatusErr{status: status, snippet: snippet}
}
