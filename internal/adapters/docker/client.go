// Package docker implements the container runtime against a local Docker
// engine. Images are built from staged bundle directories; each instance runs
// as one container with its in-container port published on an ephemeral host
// port.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"funchost/internal/config"
	"funchost/internal/core/runtime"
	"funchost/internal/scaffold"
)

var containerPort = nat.Port(fmt.Sprintf("%d/tcp", scaffold.Port))

type Client struct {
	cli         *client.Client
	lg          zerolog.Logger
	probe       *http.Client
	registryURL string
	authHeader  string
}

func New(cfg config.Config, lg zerolog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	c := &Client{
		cli:         cli,
		lg:          lg.With().Str("adapter", "docker").Logger(),
		probe:       &http.Client{},
		registryURL: cfg.RegistryURL,
	}

	if cfg.RegistryUser != "" && cfg.RegistryPass != "" {
		authConfig := registry.AuthConfig{
			Username:      cfg.RegistryUser,
			Password:      cfg.RegistryPass,
			ServerAddress: cfg.RegistryURL,
		}
		encodedJSON, err := json.Marshal(authConfig)
		if err != nil {
			return nil, fmt.Errorf("marshal auth config: %w", err)
		}
		c.authHeader = base64.URLEncoding.EncodeToString(encodedJSON)
		c.lg.Info().Str("registry", cfg.RegistryURL).Msg("configured registry authentication")
	}

	return c, nil
}

// BuildImage builds the staged directory into a tagged image. Toolchain
// failures come back as *runtime.BuildError with the daemon's output verbatim.
func (c *Client) BuildImage(ctx context.Context, dir, tag string) (runtime.ImageRef, error) {
	buildCtx, err := tarDirectory(dir)
	if err != nil {
		return "", fmt.Errorf("pack build context: %w", err)
	}

	resp, err := c.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return "", fmt.Errorf("image build: %w: %w", runtime.ErrUnavailable, err)
		}
		return "", fmt.Errorf("image build: %w", err)
	}
	defer resp.Body.Close()

	output, err := drainBuildStream(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &runtime.BuildError{Output: output}
	}

	if c.registryURL != "" && strings.HasPrefix(tag, strings.TrimSuffix(c.registryURL, "/")+"/") {
		if err := c.pushImage(ctx, tag); err != nil {
			return "", err
		}
	}

	c.lg.Info().Str("image", tag).Msg("image built")
	return runtime.ImageRef(tag), nil
}

// pushImage uploads a registry-prefixed tag so other nodes can pull it.
func (c *Client) pushImage(ctx context.Context, tag string) error {
	rc, err := c.cli.ImagePush(ctx, tag, image.PushOptions{RegistryAuth: c.authHeader})
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return fmt.Errorf("image push: %w: %w", runtime.ErrUnavailable, err)
		}
		return fmt.Errorf("image push: %w", err)
	}
	defer rc.Close()
	if out, err := drainBuildStream(rc); err != nil {
		return &runtime.BuildError{Output: out}
	}
	c.lg.Info().Str("image", tag).Msg("image pushed to registry")
	return nil
}

// Start launches one container from ref with the instance port published on
// an ephemeral host port.
func (c *Client) Start(ctx context.Context, ref runtime.ImageRef) (runtime.Handle, runtime.Endpoint, error) {
	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        string(ref),
			ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
			},
		},
		nil, nil, "",
	)
	if err != nil {
		return "", runtime.Endpoint{}, startErr("create", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", runtime.Endpoint{}, startErr("start", err)
	}

	inspect, err := c.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", runtime.Endpoint{}, startErr("inspect", err)
	}
	bindings := inspect.NetworkSettings.Ports[containerPort]
	if len(bindings) == 0 {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", runtime.Endpoint{}, fmt.Errorf("container %s published no host port", resp.ID)
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", runtime.Endpoint{}, fmt.Errorf("parse host port %q: %w", bindings[0].HostPort, err)
	}

	ep := runtime.Endpoint{Host: "127.0.0.1", Port: hostPort}
	c.lg.Info().Str("container_id", resp.ID).Str("image", string(ref)).
		Int("host_port", hostPort).Msg("instance container started")
	return runtime.Handle(resp.ID), ep, nil
}

// Stop removes an instance container. A missing container is not an error.
func (c *Client) Stop(ctx context.Context, h runtime.Handle) error {
	if h == "" {
		return nil
	}
	c.lg.Info().Str("container_id", string(h)).Msg("removing instance container")
	err := c.cli.ContainerRemove(ctx, string(h), container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		if client.IsErrConnectionFailed(err) {
			return fmt.Errorf("container remove: %w: %w", runtime.ErrUnavailable, err)
		}
		return err
	}
	return nil
}

// Probe checks instance liveness over the calling convention's health
// endpoint.
func (c *Client) Probe(ctx context.Context, ep runtime.Endpoint) runtime.Health {
	url := fmt.Sprintf("http://%s/healthz", ep.Addr())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return runtime.Unreachable
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return runtime.Unreachable
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return runtime.Unhealthy
	}
	return runtime.Healthy
}

func startErr(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("docker %s: %w: %w", op, runtime.ErrUnavailable, err)
	}
	return fmt.Errorf("docker %s: %w", op, err)
}

// drainBuildStream consumes the daemon's JSON build stream, accumulating the
// textual output. It returns an error if any message carries one.
func drainBuildStream(r io.Reader) (string, error) {
	var out strings.Builder
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return out.String(), nil
			}
			return out.String(), fmt.Errorf("decode build stream: %w", err)
		}
		out.WriteString(msg.Stream)
		if msg.Error != "" {
			out.WriteString(msg.Error)
			return out.String(), fmt.Errorf("build: %s", msg.Error)
		}
	}
}

// tarDirectory packs dir into an in-memory tar archive for the build context.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
