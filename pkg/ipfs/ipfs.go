package ipfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/runningman84/zfsvault/pkg/config"
	"k8s.io/klog/v2"
)

// Locator resolves the id of the running IPFS sidecar container
type Locator interface {
	ContainerID(ctx context.Context) (string, error)
}

// StaticLocator always returns the same container id
type StaticLocator string

func (s StaticLocator) ContainerID(ctx context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("no container id configured")
	}
	return string(s), nil
}

// DockerLocator looks the sidecar up by name through the Docker API on every
// call, so a restarted sidecar is always found under its new id
type DockerLocator struct {
	name string
}

// NewDockerLocator creates a locator for the container with the given name
func NewDockerLocator(name string) *DockerLocator {
	return &DockerLocator{name: name}
}

func (d *DockerLocator) ContainerID(ctx context.Context) (string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return "", fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()
	cli.NegotiateAPIVersion(ctx)

	containers, err := cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("name", d.name),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}

	id, err := pickContainer(containers, d.name)
	if err != nil {
		return "", err
	}
	klog.V(1).Infof("Resolved IPFS sidecar %s to container %s", d.name, id)
	return id, nil
}

// pickContainer prefers an exact name match; the Docker name filter also
// matches substrings
func pickContainer(containers []container.Summary, name string) (string, error) {
	for _, c := range containers {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				return c.ID, nil
			}
		}
	}
	if len(containers) == 1 {
		return containers[0].ID, nil
	}
	if len(containers) == 0 {
		return "", fmt.Errorf("no running container named %q", name)
	}
	return "", fmt.Errorf("%d running containers match %q and none exactly", len(containers), name)
}

// NewLocator returns a static locator when IPFS_CONTAINER_ID is set and a
// Docker API locator otherwise
func NewLocator(cfg *config.Config) Locator {
	if cfg.IPFSContainerID != "" {
		return StaticLocator(cfg.IPFSContainerID)
	}
	return NewDockerLocator(cfg.IPFSContainerName)
}

// ExecCommand returns `docker exec -i <id>` followed by args
func ExecCommand(docker []string, containerID string, args ...string) []string {
	return config.Command(docker, append([]string{"exec", "-i", containerID}, args...)...)
}

// AddArgs returns the ipfs invocation that adds stdin with the given chunker
func AddArgs(chunker string) []string {
	return []string{"ipfs", "add", "-s", chunker}
}

// CatArgs returns the ipfs invocation that writes the content of cid to stdout
func CatArgs(cid string) []string {
	return []string{"ipfs", "cat", cid}
}
