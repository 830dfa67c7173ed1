package docker

import (
	"context"
	"fmt"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// Container is one short-lived git engine container, created by
// Client.CreateContainer and removed once its invocation finishes.
type Container struct {
	client DockerClient

	ID   string
	Name string
}

// Start runs the git command baked into the container.
func (c Container) Start(ctx context.Context) error {
	_, err := c.client.ContainerStart(ctx, c.ID, client.ContainerStartOptions{})
	if err != nil {
		return fmt.Errorf("failed to start git container %q: %w\nCheck that the image provides a git binary", c.Name, err)
	}

	return nil
}

// Attach connects to the container's stdin, stdout and stderr. Without a TTY
// the returned reader carries stdout and stderr multiplexed. The caller owns
// the connection.
func (c Container) Attach(ctx context.Context) (client.HijackedResponse, error) {
	response, err := c.client.ContainerAttach(ctx, c.ID, client.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return client.HijackedResponse{}, fmt.Errorf("failed to attach to git container %q: %w\nCheck that the Docker daemon is reachable", c.Name, err)
	}

	return response.HijackedResponse, nil
}

// Wait returns the exit code of git once the container stops.
func (c Container) Wait(ctx context.Context) (int64, error) {
	wait := c.client.ContainerWait(ctx, c.ID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})

	select {
	case err := <-wait.Error:
		if err == nil {
			err = ctx.Err()
		}
		return -1, fmt.Errorf("failed to wait for git container %q: %w", c.Name, err)
	case status := <-wait.Result:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("git container %q failed: %s", c.Name, status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

// ForceRemove removes the container whether or not git is still running. It is
// both the kill path and the normal teardown.
func (c Container) ForceRemove(ctx context.Context) error {
	_, err := c.client.ContainerRemove(ctx, c.ID, client.ContainerRemoveOptions{
		Force: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove git container %q: %w\nLeftovers are removed on the next start", c.Name, err)
	}

	return nil
}
