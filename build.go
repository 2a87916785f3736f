package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrBuildFailed wraps every failure of the build step.
var ErrBuildFailed = errors.New("image build failed")

// DockerAPI is the subset of the Docker SDK used to build and push.
type DockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
}

// ImageRegistry is where built images are pushed and looked up.
type ImageRegistry interface {
	EnsureRepository(ctx context.Context) error
	Auth(ctx context.Context) (string, error)
	ImageExists(ctx context.Context, image ImageRef) error
}

// NewDockerClient constructs a Docker SDK client using environment defaults.
func NewDockerClient() (*client.Client, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	return c, nil
}

// Builder builds the service image and publishes it.
type Builder struct {
	Docker   DockerAPI
	Registry ImageRegistry
	Service  ServiceSpec
	Tags     TagResolver
	// Dir is the directory the build context and Dockerfile are relative to.
	Dir string
	Out io.Writer
}

// Build builds and pushes the image and returns its reference. Nothing is
// pushed unless the build succeeded.
func (b *Builder) Build(ctx context.Context) (ImageRef, error) {
	ref, err := ResolveImage(b.Service, b.Tags)
	if err != nil {
		return ImageRef{}, errors.Wrapf(ErrBuildFailed, "resolve tag: %v", err)
	}
	logger := log.WithField("image", ref.String())

	if err := b.Registry.EnsureRepository(ctx); err != nil {
		return ImageRef{}, errors.Wrapf(ErrBuildFailed, "%v", err)
	}

	logger.Info("building image")
	if err := b.build(ctx, ref); err != nil {
		return ImageRef{}, errors.Wrapf(ErrBuildFailed, "build %s: %v", ref, err)
	}

	logger.Info("pushing image")
	if err := b.push(ctx, ref); err != nil {
		return ImageRef{}, errors.Wrapf(ErrBuildFailed, "push %s: %v", ref, err)
	}

	logger.Info("image published")
	return ref, nil
}

func (b *Builder) build(ctx context.Context, ref ImageRef) error {
	contextDir := filepath.Join(b.Dir, b.Service.BuildContext)
	excludes, err := readDockerignore(contextDir)
	if err != nil {
		return err
	}

	tar, err := archive.TarWithOptions(contextDir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return errors.Wrap(err, "archive build context")
	}
	defer tar.Close()

	opts := build.ImageBuildOptions{
		Tags:       []string{ref.String()},
		Dockerfile: b.Service.Dockerfile,
		Remove:     true,
		Version:    build.BuilderV1,
	}
	if b.Service.BuildKit {
		opts.Version = build.BuilderBuildKit
	}

	resp, err := b.Docker.ImageBuild(ctx, tar, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return jsonmessage.DisplayJSONMessagesStream(resp.Body, b.output(), 0, false, nil)
}

func (b *Builder) push(ctx context.Context, ref ImageRef) error {
	auth, err := b.Registry.Auth(ctx)
	if err != nil {
		return err
	}

	rc, err := b.Docker.ImagePush(ctx, ref.String(), image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return err
	}
	defer rc.Close()

	return jsonmessage.DisplayJSONMessagesStream(rc, b.output(), 0, false, nil)
}

func (b *Builder) output() io.Writer {
	if b.Out == nil {
		return io.Discard
	}
	return b.Out
}

func readDockerignore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open .dockerignore")
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "read .dockerignore")
	}
	return patterns, nil
}
