// Package docker implements the provision.Provisioner interface using the
// Docker daemon to run room workloads as local containers. Intended for
// development and single-host deployments; production rooms run on the
// terraform backend.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/greenroomhq/greenroom/internal/provision"
)

// roomLabel marks containers owned by greenroom so destroys can find them
// even after the daemon restarts.
const roomLabel = "greenroom.room"

// Config holds Docker-specific settings.
type Config struct {
	// Images maps workload kinds to container images. Kinds without an
	// entry fall back to DefaultImage.
	Images map[string]string

	// DefaultImage is used when a workload kind has no dedicated image.
	// Default: codercom/code-server:latest
	DefaultImage string

	// AccessHost is the hostname placed into access URLs.
	// Default: 127.0.0.1
	AccessHost string

	// ContainerPort is the exposed port the workload listens on.
	// Default: 8080/tcp
	ContainerPort string

	HealthBudget time.Duration
	HealthPoll   time.Duration
}

// Provisioner manages room workloads as Docker containers.
type Provisioner struct {
	client *dockerclient.Client
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// Compile-time check that Provisioner satisfies provision.Provisioner.
var _ provision.Provisioner = (*Provisioner)(nil)

// New connects to the Docker daemon.
func New(cfg Config, logger *slog.Logger) (*Provisioner, error) {
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = "codercom/code-server:latest"
	}
	if cfg.AccessHost == "" {
		cfg.AccessHost = "127.0.0.1"
	}
	if cfg.ContainerPort == "" {
		cfg.ContainerPort = "8080/tcp"
	}
	if cfg.HealthBudget <= 0 {
		cfg.HealthBudget = 5 * time.Minute
	}
	if cfg.HealthPoll <= 0 {
		cfg.HealthPoll = 10 * time.Second
	}
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Provisioner{
		client: client,
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Provision pulls the workload image, starts a container for the room and
// waits for it to report healthy.
func (p *Provisioner) Provision(ctx context.Context, spec provision.Spec, onProgress func(string)) (*provision.Result, error) {
	progress := onProgress
	if progress == nil {
		progress = func(string) {}
	}

	img := p.cfg.Images[spec.WorkloadKind]
	if img == "" {
		img = p.cfg.DefaultImage
	}
	progress(fmt.Sprintf("pulling image %s", img))
	pull, err := p.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", img, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		pull.Close()
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	env := []string{
		"GREENROOM_ROOM_ID=" + spec.RoomID,
		"GREENROOM_ROOM_NAME=" + spec.RoomName,
		"GREENROOM_WORKLOAD_KIND=" + spec.WorkloadKind,
	}
	if spec.Credential != nil {
		env = append(env,
			"GREENROOM_CREDENTIAL_REF="+spec.Credential.Ref,
			"GREENROOM_CREDENTIAL_SECRET="+spec.Credential.Secret,
		)
	}

	name := "greenroom-" + spec.RoomID
	progress(fmt.Sprintf("creating container %s", name))
	resp, err := p.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  img,
			Env:    env,
			Labels: map[string]string{roomLabel: spec.RoomID},
		},
		&container.HostConfig{PublishAllPorts: true},
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("container create %s: %w", name, err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start %s: %w", name, err)
	}
	progress(fmt.Sprintf("container started (%s)", shortID(resp.ID)))

	accessURL, err := p.accessURL(ctx, resp.ID)
	if err != nil {
		// The container exists from here on, so it counts as created even
		// when we cannot reach it.
		return &provision.Result{ResourcesCreated: true}, fmt.Errorf("resolve access url: %w", err)
	}
	progress("waiting for workload to become healthy")
	healthy := provision.AwaitHealthy(ctx, p.http, provision.HealthURL(accessURL),
		p.cfg.HealthBudget, p.cfg.HealthPoll, progress)
	return &provision.Result{AccessURL: accessURL, ResourcesCreated: true, Healthy: healthy}, nil
}

// Destroy force-removes every container labelled with the room. Removing a
// room that has no containers left is not an error.
func (p *Provisioner) Destroy(ctx context.Context, roomID string, onProgress func(string)) error {
	progress := onProgress
	if progress == nil {
		progress = func(string) {}
	}
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", roomLabel+"="+roomID)),
	})
	if err != nil {
		return fmt.Errorf("list room containers: %w", err)
	}
	if len(containers) == 0 {
		progress("no containers found, nothing to destroy")
		return nil
	}
	var firstErr error
	for _, c := range containers {
		progress(fmt.Sprintf("removing container %s", shortID(c.ID)))
		if err := p.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			p.logger.Error("remove room container",
				slog.String("room_id", roomID),
				slog.String("container_id", c.ID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("container remove %s: %w", shortID(c.ID), err)
			}
		}
	}
	return firstErr
}

// accessURL resolves the published host port of the workload's container
// port and builds the room URL from it.
func (p *Provisioner) accessURL(ctx context.Context, containerID string) (string, error) {
	info, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("container inspect: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container has no network settings")
	}
	hostPort := ""
	for port, bindings := range info.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		if string(port) == p.cfg.ContainerPort {
			hostPort = bindings[0].HostPort
			break
		}
		// Fall back to the first published tcp port.
		if hostPort == "" && strings.HasSuffix(string(port), "/tcp") {
			hostPort = bindings[0].HostPort
		}
	}
	if hostPort == "" {
		return "", fmt.Errorf("no published port for %s", p.cfg.ContainerPort)
	}
	return fmt.Sprintf("http://%s:%s", p.cfg.AccessHost, hostPort), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
