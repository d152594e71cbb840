package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrImageNotFound = errors.New("image_not_found")

// Docker wraps the docker CLI for the image operations the build needs.
type Docker struct {
	runner Runner
	bin    string
}

func NewDocker(r Runner, bin string) (*Docker, error) {
	if r == nil {
		return nil, errors.New("runner is required")
	}
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "docker"
	}
	return &Docker{runner: r, bin: bin}, nil
}

func (d *Docker) Pull(ctx context.Context, imageRef string) error {
	imageRef = strings.TrimSpace(imageRef)
	if imageRef == "" {
		return errors.New("image ref is required")
	}
	if _, err := d.runner.Run(ctx, Command{Name: d.bin, Args: []string{"pull", "--quiet", imageRef}}); err != nil {
		return fmt.Errorf("docker pull %s: %w", imageRef, err)
	}
	return nil
}

// ImageID resolves a local image reference to its content id.
func (d *Docker) ImageID(ctx context.Context, imageRef string) (string, error) {
	imageRef = strings.TrimSpace(imageRef)
	if imageRef == "" {
		return "", errors.New("image ref is required")
	}
	res, err := d.runner.Run(ctx, Command{Name: d.bin, Args: []string{"image", "inspect", "--format", "{{.Id}}", imageRef}})
	text := strings.TrimSpace(res.Output)
	if err != nil {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "no such image") || strings.Contains(lower, "not found") || strings.Contains(lower, "no such object") {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, imageRef)
		}
		return "", fmt.Errorf("docker image inspect: %w", err)
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty docker image id", ErrImageNotFound)
	}
	return fields[len(fields)-1], nil
}
