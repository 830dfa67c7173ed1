package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"

	"github.com/ryanmoran/gitgate/internal"
)

// NamePrefix starts the name of every container the gateway creates.
const NamePrefix = "gitgate-"

type Client struct {
	client DockerClient
}

// NewClient creates a Client that wraps the provided Docker client interface.
func NewClient(dockerClient DockerClient) Client {
	return Client{
		client: dockerClient,
	}
}

// NewDefaultClient creates a Client with a real Docker client from the environment.
func NewDefaultClient() (Client, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return Client{}, fmt.Errorf("failed to create docker client: %w\nEnsure Docker is running and DOCKER_HOST is set correctly", err)
	}

	return NewClient(cli), nil
}

// Close closes the underlying Docker client connection.
func (c Client) Close() error {
	return c.client.Close()
}

// ContainerSpec describes a one-shot git container.
type ContainerSpec struct {
	Name       internal.SessionID
	Image      internal.ImageName
	Entrypoint []string
	Args       []string
	Env        internal.Environment
	Binds      []string
	WorkingDir string

	// User is the "uid:gid" the process runs as; empty keeps the image default.
	User string
}

// CreateContainer creates a container for spec with stdin held open for a
// single attach and without a TTY, so output arrives multiplexed. Networking
// is disabled: git only needs the bind-mounted repositories.
func (c Client) CreateContainer(ctx context.Context, spec ContainerSpec) (Container, error) {
	response, err := c.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config: &container.Config{
			Image:        string(spec.Image),
			Entrypoint:   spec.Entrypoint,
			Cmd:          spec.Args,
			Tty:          false,
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			Env:          []string(spec.Env),
			WorkingDir:   spec.WorkingDir,
			User:         spec.User,
		},
		HostConfig: &container.HostConfig{
			Binds:       spec.Binds,
			NetworkMode: container.NetworkMode("none"),
		},
		Name: string(spec.Name),
	})
	if err != nil {
		return Container{}, fmt.Errorf("failed to create container %q from image %q: %w\nEnsure the image exists locally and provides git", spec.Name, spec.Image, err)
	}

	return Container{
		ID:     response.ID,
		Name:   string(spec.Name),
		client: c.client,
	}, nil
}

// Ping checks that the Docker daemon answers.
func (c Client) Ping(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}

// Version pings the Docker daemon and returns its API version.
func (c Client) Version(ctx context.Context) (string, error) {
	ping, err := c.client.Ping(ctx, client.PingOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to ping docker daemon: %w", err)
	}
	return ping.APIVersion, nil
}

// RemoveStale force-removes containers left behind by an earlier gateway
// process, identified by NamePrefix, and returns how many were removed.
func (c Client) RemoveStale(ctx context.Context) (int, error) {
	result, err := c.client.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("name", NamePrefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	var removed int
	for _, item := range result.Items {
		if !hasPrefixedName(item.Names) {
			continue
		}

		stale := Container{ID: item.ID, Name: item.ID, client: c.client}
		if err := stale.ForceRemove(ctx); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// hasPrefixedName reports whether any of the names, as listed by the daemon
// with a leading slash, starts with NamePrefix.
func hasPrefixedName(names []string) bool {
	for _, name := range names {
		if strings.HasPrefix(strings.TrimPrefix(name, "/"), NamePrefix) {
			return true
		}
	}
	return false
}
