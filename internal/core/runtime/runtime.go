package runtime

import (
	"context"
	"errors"
	"fmt"
)

// ImageRef is an opaque handle identifying a runnable container image.
type ImageRef string

// Handle identifies one started container (or equivalent) to its runtime.
type Handle string

// Endpoint is the host:port an instance serves the calling convention on.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Health is the result of probing an instance endpoint.
type Health int

const (
	Healthy Health = iota
	Unhealthy
	Unreachable
)

// ErrUnavailable reports that the container runtime itself cannot be reached.
// Callers retry with backoff instead of failing the host process.
var ErrUnavailable = errors.New("container runtime unavailable")

// BuildError carries the toolchain's diagnostic output verbatim.
type BuildError struct {
	Output string
}

func (e *BuildError) Error() string {
	return "image build failed: " + e.Output
}

// Builder turns a prepared build context into a runnable image.
type Builder interface {
	// BuildImage builds the context at dir and tags the result. The returned
	// error is a *BuildError for toolchain failures and wraps ErrUnavailable
	// when the engine itself is unreachable.
	BuildImage(ctx context.Context, dir, tag string) (ImageRef, error)
}

// Runner starts, stops and probes container instances.
type Runner interface {
	// Start launches one instance of ref and reports where it listens.
	Start(ctx context.Context, ref ImageRef) (Handle, Endpoint, error)

	// Stop terminates an instance. Stopping an already-stopped instance is a
	// no-op, not an error.
	Stop(ctx context.Context, h Handle) error

	// Probe checks instance liveness at ep.
	Probe(ctx context.Context, ep Endpoint) Health
}

// Runtime is the container runtime collaborator the orchestrator drives.
type Runtime interface {
	Builder
	Runner
}
