package runner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/wheelwright/internal/runner"
	"github.com/animus-labs/wheelwright/internal/runner/runnertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDockerImageID(t *testing.T) {
	rec := runnertest.New().On("docker image inspect", runnertest.Output("sha256:abc\n"))
	d, err := runner.NewDocker(rec, "")
	require.NoError(t, err)

	id, err := d.ImageID(context.Background(), "quay.io/pypa/manylinux_2_28_x86_64")
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", id)
}

func TestDockerImageIDNotFound(t *testing.T) {
	rec := runnertest.New().On("docker image inspect", runnertest.Fail("Error: No such image: foo"))
	d, err := runner.NewDocker(rec, "docker")
	require.NoError(t, err)

	_, err = d.ImageID(context.Background(), "foo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, runner.ErrImageNotFound))
}

func TestDockerPull(t *testing.T) {
	rec := runnertest.New()
	d, err := runner.NewDocker(rec, "podman")
	require.NoError(t, err)

	require.NoError(t, d.Pull(context.Background(), "img:1"))
	assert.Equal(t, []string{"podman pull --quiet img:1"}, rec.Lines())
	require.Error(t, d.Pull(context.Background(), " "))
}
