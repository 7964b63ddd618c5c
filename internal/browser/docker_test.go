package browser

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestDockerLogScanner(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(1, "DevTools listening on ws://0.0.0.0:9222\n"))
	buf.Write(frame(2, "[WARNING] no sandbox\n"))

	scanner := NewDockerLogScanner(&buf)

	require.True(t, scanner.Scan())
	assert.Equal(t, "DevTools listening on ws://0.0.0.0:9222", scanner.Text())
	assert.Equal(t, "stdout", scanner.Stream())

	require.True(t, scanner.Scan())
	assert.Equal(t, "[WARNING] no sandbox", scanner.Text())
	assert.Equal(t, "stderr", scanner.Stream())

	assert.False(t, scanner.Scan())
	assert.NoError(t, scanner.Err())
}

func TestDockerLogScanner_Truncated(t *testing.T) {
	data := frame(1, "complete line")
	scanner := NewDockerLogScanner(bytes.NewReader(data[:len(data)-3]))

	assert.False(t, scanner.Scan())
	assert.ErrorIs(t, scanner.Err(), io.ErrUnexpectedEOF)
}

type fakeDocker struct {
	created  int
	started  int
	removed  []string
	startErr error
	hostPort string
}

func (f *fakeDocker) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDocker) ContainerCreate(context.Context, *container.Config, *container.HostConfig, *network.NetworkingConfig, *ocispec.Platform, string) (container.CreateResponse, error) {
	f.created++
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	f.started++
	return f.startErr
}

func (f *fakeDocker) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	settings := &types.NetworkSettings{}
	if f.hostPort != "" {
		settings.Ports = nat.PortMap{devtoolsPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: f.hostPort}}}
	}
	return types.ContainerJSON{NetworkSettings: settings}, nil
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func TestContainerLauncher_RemovesContainerOnFailure(t *testing.T) {
	t.Run("start failure", func(t *testing.T) {
		docker := &fakeDocker{startErr: errors.New("no such image")}
		launcher := newContainerLauncher(docker, Config{}, zaptest.NewLogger(t))

		_, err := launcher.Launch(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, docker.created)
		assert.Equal(t, []string{"c1"}, docker.removed)
	})

	t.Run("missing port binding", func(t *testing.T) {
		docker := &fakeDocker{}
		launcher := newContainerLauncher(docker, Config{}, zaptest.NewLogger(t))

		_, err := launcher.Launch(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no devtools port binding")
		assert.Equal(t, []string{"c1"}, docker.removed)
	})

	t.Run("devtools never ready", func(t *testing.T) {
		docker := &fakeDocker{hostPort: "49222"}
		launcher := newContainerLauncher(docker, Config{Docker: DockerConfig{StartTimeout: 50 * time.Millisecond}}, zaptest.NewLogger(t))
		probes := 0
		launcher.probe = func(context.Context, string) error {
			probes++
			return errors.New("connection refused")
		}

		_, err := launcher.Launch(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
		assert.GreaterOrEqual(t, probes, 1)
		assert.Equal(t, []string{"c1"}, docker.removed)
	})
}
