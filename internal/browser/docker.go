package browser

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const devtoolsPort = nat.Port("9222/tcp")

// DockerConfig configures containerized browsers
type DockerConfig struct {
	Image        string
	Pull         bool
	ShmSize      int64
	StartTimeout time.Duration
}

// dockerAPI is the subset of the Docker client used to manage browser containers
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// ContainerLauncher runs each browser session in a throwaway headless Chrome container
type ContainerLauncher struct {
	logger *zap.Logger
	docker dockerAPI
	config Config
	chrome *ChromeLauncher
	probe  func(ctx context.Context, url string) error
}

// NewContainerLauncher creates a launcher using the Docker daemon from the environment
func NewContainerLauncher(config Config, logger *zap.Logger) (*ContainerLauncher, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newContainerLauncher(docker, config, logger), nil
}

func newContainerLauncher(docker dockerAPI, config Config, logger *zap.Logger) *ContainerLauncher {
	if config.Docker.Image == "" {
		config.Docker.Image = "chromedp/headless-shell:latest"
	}
	if config.Docker.StartTimeout <= 0 {
		config.Docker.StartTimeout = 30 * time.Second
	}
	if config.Docker.ShmSize <= 0 {
		config.Docker.ShmSize = 512 << 20
	}
	return &ContainerLauncher{
		logger: logger.Named("browser-container"),
		docker: docker,
		config: config,
		chrome: NewChromeLauncher(config, logger),
		probe:  probeDevtools,
	}
}

// Launch implements Launcher
func (l *ContainerLauncher) Launch(ctx context.Context) (Page, error) {
	if l.config.Docker.Pull {
		if err := l.pull(ctx); err != nil {
			return nil, err
		}
	}

	name := "autologin-browser-" + uuid.New().String()[:8]
	created, err := l.docker.ContainerCreate(ctx,
		&container.Config{
			Image:        l.config.Docker.Image,
			ExposedPorts: nat.PortSet{devtoolsPort: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				devtoolsPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
			},
			ShmSize: l.config.Docker.ShmSize,
		},
		nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser container: %w", err)
	}
	id := created.ID

	remove := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.docker.ContainerRemove(rctx, id, container.RemoveOptions{Force: true}); err != nil {
			l.logger.Error("Failed to remove browser container",
				zap.String("container_id", id),
				zap.Error(err))
			return
		}
		l.logger.Debug("Removed browser container", zap.String("container_id", id))
	}

	if err := l.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		remove()
		return nil, fmt.Errorf("failed to start browser container: %w", err)
	}

	url, err := l.devtoolsURL(ctx, id)
	if err != nil {
		remove()
		return nil, err
	}

	logCtx, stopLogs := context.WithCancel(context.Background())
	go l.streamLogs(logCtx, id)

	page, err := l.chrome.attach(ctx, url)
	if err != nil {
		stopLogs()
		remove()
		return nil, err
	}
	page.OnClose(stopLogs)
	page.OnClose(remove)

	l.logger.Info("Launched browser container",
		zap.String("container_id", id),
		zap.String("image", l.config.Docker.Image),
		zap.String("devtools", url))
	return page, nil
}

func (l *ContainerLauncher) pull(ctx context.Context) error {
	reader, err := l.docker.ImagePull(ctx, l.config.Docker.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull browser image: %w", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull browser image: %w", err)
	}
	return nil
}

// devtoolsURL waits until the container's DevTools endpoint answers
func (l *ContainerLauncher) devtoolsURL(ctx context.Context, id string) (string, error) {
	info, err := l.docker.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect browser container: %w", err)
	}
	if info.NetworkSettings == nil || len(info.NetworkSettings.Ports[devtoolsPort]) == 0 {
		return "", fmt.Errorf("browser container %s has no devtools port binding", id)
	}
	binding := info.NetworkSettings.Ports[devtoolsPort][0]
	host := binding.HostIP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%s", host, binding.HostPort)

	wctx, cancel := context.WithTimeout(ctx, l.config.Docker.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := l.probe(wctx, url); err == nil {
			return url, nil
		}
		select {
		case <-wctx.Done():
			return "", fmt.Errorf("timeout: browser container %s did not become ready: %w", id, wctx.Err())
		case <-ticker.C:
		}
	}
}

func probeDevtools(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/json/version", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("devtools returned %d", resp.StatusCode)
	}
	return nil
}

// streamLogs forwards container output to the logger until ctx is cancelled
func (l *ContainerLauncher) streamLogs(ctx context.Context, id string) {
	reader, err := l.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		l.logger.Warn("Failed to attach to browser container logs",
			zap.String("container_id", id),
			zap.Error(err))
		return
	}
	defer reader.Close()

	scanner := NewDockerLogScanner(reader)
	for scanner.Scan() {
		l.logger.Debug("browser",
			zap.String("container_id", id),
			zap.String("stream", scanner.Stream()),
			zap.String("line", scanner.Text()))
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		l.logger.Warn("Failed to read browser container logs",
			zap.String("container_id", id),
			zap.Error(err))
	}
}

// DockerLogScanner reads the multiplexed stdout/stderr stream of a container
type DockerLogScanner struct {
	reader io.Reader
	header [8]byte
	stream byte
	buffer []byte
	err    error
}

// NewDockerLogScanner creates a new Docker log scanner
func NewDockerLogScanner(reader io.Reader) *DockerLogScanner {
	return &DockerLogScanner{
		reader: reader,
		buffer: make([]byte, 0, 4096),
	}
}

// Scan advances the scanner to the next frame
func (s *DockerLogScanner) Scan() bool {
	// Frame header: [8]byte{STREAM_TYPE, 0, 0, 0, SIZE1, SIZE2, SIZE3, SIZE4}, size is big endian
	if _, err := io.ReadFull(s.reader, s.header[:]); err != nil {
		s.err = err
		return false
	}
	s.stream = s.header[0]
	size := int(binary.BigEndian.Uint32(s.header[4:]))

	if cap(s.buffer) < size {
		s.buffer = make([]byte, size)
	}
	s.buffer = s.buffer[:size]

	if _, err := io.ReadFull(s.reader, s.buffer); err != nil {
		s.err = err
		return false
	}
	return true
}

// Text returns the current frame without its trailing newline
func (s *DockerLogScanner) Text() string {
	b := s.buffer
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}

// Stream names the stream of the current frame
func (s *DockerLogScanner) Stream() string {
	switch s.stream {
	case 0:
		return "stdin"
	case 2:
		return "stderr"
	default:
		return "stdout"
	}
}

// Err returns any error that occurred during scanning
func (s *DockerLogScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
