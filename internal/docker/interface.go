package docker

import (
	"context"

	"github.com/moby/moby/client"
)

// DockerClient is the subset of the Docker Engine API the container backend
// uses. The real Docker client (*client.Client from moby/moby/client)
// implements this interface; tests inject a mock.
//
// Usage:
//
//	dockerClient, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
//	if err != nil {
//	    return err
//	}
//	c := docker.NewClient(dockerClient)
//
//	// Or use the convenience function:
//	c, err := docker.NewDefaultClient()
type DockerClient interface {
	ContainerCreate(ctx context.Context, options client.ContainerCreateOptions) (client.ContainerCreateResult, error)
	ContainerStart(ctx context.Context, containerID string, options client.ContainerStartOptions) (client.ContainerStartResult, error)
	ContainerAttach(ctx context.Context, containerID string, options client.ContainerAttachOptions) (client.ContainerAttachResult, error)
	ContainerWait(ctx context.Context, containerID string, options client.ContainerWaitOptions) client.ContainerWaitResult
	ContainerRemove(ctx context.Context, containerID string, options client.ContainerRemoveOptions) (client.ContainerRemoveResult, error)
	ContainerList(ctx context.Context, options client.ContainerListOptions) (client.ContainerListResult, error)
	Ping(ctx context.Context, options client.PingOptions) (client.PingResult, error)
	Close() error
}
