package sandbox

import (
	"context"
	"errors"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	studio "github.com/KostasNoreika/claude-studio-sub000"
)

// Engine is the subset of the Docker Engine API the manager uses.
// *client.Client satisfies it; tests use sandboxtest.Engine.
type Engine interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerResize(ctx context.Context, containerID string, options container.ResizeOptions) error
	Ping(ctx context.Context) (types.Ping, error)
}

var _ Engine = (*client.Client)(nil)

// isGone reports whether err means the container no longer exists or is
// already stopped or being removed. Stop treats these as success.
func isGone(err error) bool {
	if err == nil {
		return false
	}
	if cerrdefs.IsNotFound(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "is not running") ||
		strings.Contains(msg, "already stopped") ||
		strings.Contains(msg, "removal of container") && strings.Contains(msg, "already in progress")
}

// isEngineFault reports whether err says something about the engine's health.
// Answers such as "not found" or "conflict" mean the engine is working and do
// not count against the circuit breaker.
func isEngineFault(err error) bool {
	if err == nil {
		return false
	}
	if isGone(err) || cerrdefs.IsConflict(err) || cerrdefs.IsInvalidArgument(err) {
		return false
	}
	if _, ok := studio.AsError(err); ok {
		// Already classified, e.g. by a nested call.
		return studio.IsRetryable(err)
	}
	return true
}

// classify maps a raw engine error into the error taxonomy. fallback builds
// the error used when nothing more specific applies.
func classify(err error, containerID string, fallback func(error) *studio.Error) error {
	if err == nil {
		return nil
	}
	if _, ok := studio.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return studio.NewExecutionError("engine call timed out", true, err)
	case client.IsErrConnectionFailed(err):
		return studio.NewEngineUnavailableError("cannot connect to container engine", err)
	case cerrdefs.IsNotFound(err) && containerID != "":
		return studio.NewContainerNotFoundError(containerID, err)
	case cerrdefs.IsConflict(err):
		return studio.NewInvalidStateError("container state conflict", err)
	case studio.IsTransient(err):
		return studio.NewEngineUnavailableError("container engine error", err)
	}
	return fallback(err)
}
