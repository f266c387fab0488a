package detection

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

type containerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// DockerInspector looks up running containers through the Docker engine API.
type DockerInspector struct {
	api    containerLister
	closer func() error
}

var _ ContainerInspector = (*DockerInspector)(nil)

// NewDockerInspector connects using DOCKER_HOST and friends, negotiating the
// API version with the daemon.
func NewDockerInspector() (*DockerInspector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &DockerInspector{api: cli, closer: cli.Close}, nil
}

// PublishedPort returns the public port mapped to containerPort on the first
// running container whose image contains image. Any engine error counts as
// "not found".
func (d *DockerInspector) PublishedPort(ctx context.Context, image string, containerPort uint16) (uint16, bool) {
	if d == nil || d.api == nil {
		return 0, false
	}

	containers, err := d.api.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return 0, false
	}

	needle := strings.ToLower(image)

	for _, c := range containers {
		if !strings.Contains(strings.ToLower(c.Image), needle) {
			continue
		}

		for _, port := range c.Ports {
			if port.PrivatePort == containerPort && port.PublicPort != 0 {
				return port.PublicPort, true
			}
		}
	}

	return 0, false
}

// Close releases the Docker client.
func (d *DockerInspector) Close() error {
	if d == nil || d.closer == nil {
		return nil
	}

	return d.closer()
}
