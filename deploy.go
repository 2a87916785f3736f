package main

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"path"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

//go:embed templates/*
var templatesFS embed.FS

var applicationTemplate = template.Must(
	template.New("application.yaml").Funcs(sprig.TxtFuncMap()).ParseFS(templatesFS, "templates/application.yaml"),
)

// manifestFiles are the file names every environment directory holds.
var manifestFiles = []string{"deployment.yaml", "service.yaml", "ingress.yaml"}

// Deployer renders the service for an environment and hands it to ArgoCD
// through the GitOps repository.
type Deployer struct {
	Descriptor     *Descriptor
	Registry       ImageRegistry
	Tags           TagResolver
	GitOps         *GitOps
	SkipImageCheck bool
}

// DeployResult describes a finished hand-off.
type DeployResult struct {
	Environment string
	Image       ImageRef
	PrimaryHost string
	Commit      string
}

type applicationData struct {
	Name                 string
	Namespace            string
	Project              string
	Service              string
	Environment          string
	Image                string
	RepoURL              string
	Path                 string
	Cluster              string
	DestinationNamespace string
}

// Manifest resolves env and the image tag and renders the resources.
func (d *Deployer) Manifest(envName string) (*Manifest, ImageRef, error) {
	env, err := d.Descriptor.Environment(envName)
	if err != nil {
		return nil, ImageRef{}, err
	}
	image, err := ResolveImage(d.Descriptor.Service, d.Tags)
	if err != nil {
		return nil, ImageRef{}, err
	}
	manifest, err := Render(d.Descriptor.Service, env, image)
	if err != nil {
		return nil, ImageRef{}, err
	}
	return manifest, image, nil
}

// Deploy publishes the rendered resources of envName and returns the primary
// host. Reachability of the host is not checked.
func (d *Deployer) Deploy(ctx context.Context, envName string) (*DeployResult, error) {
	env, err := d.Descriptor.Environment(envName)
	if err != nil {
		return nil, err
	}
	svc := d.Descriptor.Service

	manifest, image, err := d.Manifest(env.Name)
	if err != nil {
		return nil, err
	}
	logger := log.WithFields(log.Fields{"env": env.Name, "image": image.String()})

	if !d.SkipImageCheck {
		if err := d.Registry.ImageExists(ctx, image); err != nil {
			return nil, err
		}
	}

	files, err := manifest.Files()
	if err != nil {
		return nil, err
	}
	dir := d.GitOps.ManifestDir(env, svc.Name)
	write := make(map[string][]byte, len(files)+1)
	for name, data := range files {
		write[path.Join(dir, name)] = data
	}

	app, err := d.renderApplication(env, image)
	if err != nil {
		return nil, err
	}
	write[d.GitOps.ApplicationFile(env, svc.Name)] = app

	logger.Info("publishing manifests")
	commit, err := d.GitOps.Apply(ctx, Change{
		Message: fmt.Sprintf("Deploy %s to %s with image %s", svc.Name, env.Name, image),
		Write:   write,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "deploy %s to %s", svc.Name, env.Name)
	}

	logger.WithField("host", manifest.PrimaryHost).Info("deployment handed off")
	return &DeployResult{
		Environment: env.Name,
		Image:       image,
		PrimaryHost: manifest.PrimaryHost,
		Commit:      commit,
	}, nil
}

func (d *Deployer) renderApplication(env Environment, image ImageRef) ([]byte, error) {
	svc := d.Descriptor.Service
	data := applicationData{
		Name:                 env.AppName(svc.Name),
		Namespace:            d.Descriptor.ArgoCD.Namespace,
		Project:              d.Descriptor.ArgoCD.Project,
		Service:              svc.Name,
		Environment:          env.Name,
		Image:                image.String(),
		RepoURL:              d.GitOps.URL,
		Path:                 d.GitOps.ManifestDir(env, svc.Name),
		Cluster:              env.ArgoCDCluster,
		DestinationNamespace: env.Namespace,
	}

	var buf bytes.Buffer
	if err := applicationTemplate.Execute(&buf, data); err != nil {
		return nil, errors.Wrap(err, "render argocd application")
	}
	return buf.Bytes(), nil
}
