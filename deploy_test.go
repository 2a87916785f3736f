package main

import (
	"context"
	"errors"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	"sigs.k8s.io/yaml"
)

func newTestDeployer(t *testing.T) (*Deployer, *memoryGitOps, *fakeRegistry) {
	t.Helper()
	gitops := newMemoryGitOps(t)
	registry := &fakeRegistry{}
	return &Deployer{
		Descriptor: loadTestDescriptor(t),
		Registry:   registry,
		Tags:       FixedTag(testImage.Tag),
		GitOps:     gitops.GitOps,
	}, gitops, registry
}

func TestDeployPublishesManifests(t *testing.T) {
	d, gitops, registry := newTestDeployer(t)

	result, err := d.Deploy(context.Background(), "prod")
	require.NoError(t, err)
	assert.Equal(t, "prod", result.Environment)
	assert.Equal(t, "analytics.foxfoundation.io", result.PrimaryHost)
	assert.Equal(t, testImage, result.Image)
	assert.NotEmpty(t, result.Commit)
	assert.Equal(t, 1, gitops.pushes)
	assert.Equal(t, []ImageRef{testImage}, registry.checked)

	for _, name := range manifestFiles {
		assert.True(t, gitops.exists(t, "manifests/prod/grimoirelab/"+name), name)
	}

	var deploy appsv1.Deployment
	require.NoError(t, yaml.Unmarshal(gitops.read(t, "manifests/prod/grimoirelab/deployment.yaml"), &deploy))
	assert.Equal(t, testImage.String(), deploy.Spec.Template.Spec.Containers[0].Image)

	var app map[string]interface{}
	require.NoError(t, yaml.Unmarshal(gitops.read(t, "argocd-apps/grimoirelab-prod.yaml"), &app))
	assert.Equal(t, "Application", app["kind"])
	spec := app["spec"].(map[string]interface{})
	destination := spec["destination"].(map[string]interface{})
	assert.Equal(t, "megacluster-prod", destination["name"])
	assert.Equal(t, "shapeshift", destination["namespace"])
	source := spec["source"].(map[string]interface{})
	assert.Equal(t, "manifests/prod/grimoirelab", source["path"])
	assert.Equal(t, "https://github.com/shapeshift/gitops", source["repoURL"])
	metadata := app["metadata"].(map[string]interface{})
	assert.Equal(t, "grimoirelab-prod", metadata["name"])
	assert.Equal(t, "argocd", metadata["namespace"])

	exists, err := gitops.Exists(context.Background(), "argocd-apps/grimoirelab-prod.yaml")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDeployUnchangedDoesNotCommit(t *testing.T) {
	d, gitops, _ := newTestDeployer(t)

	_, err := d.Deploy(context.Background(), "stage")
	require.NoError(t, err)

	result, err := d.Deploy(context.Background(), "stage")
	require.NoError(t, err)
	assert.Empty(t, result.Commit)
	assert.Equal(t, "analytics.shapeshift.com", result.PrimaryHost)
	assert.Equal(t, 1, gitops.pushes)
}

func TestDeployRequiresPublishedImage(t *testing.T) {
	d, gitops, registry := newTestDeployer(t)
	registry.existsErr = ErrImageNotFound

	_, err := d.Deploy(context.Background(), "stage")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrImageNotFound))
	assert.Zero(t, gitops.pushes)
	assert.False(t, gitops.exists(t, "manifests/stage/grimoirelab/deployment.yaml"))

	d.SkipImageCheck = true
	_, err = d.Deploy(context.Background(), "stage")
	require.NoError(t, err)
	assert.Equal(t, 1, gitops.pushes)
}

func TestDeployUnknownEnvironment(t *testing.T) {
	d, gitops, registry := newTestDeployer(t)

	_, err := d.Deploy(context.Background(), "qa")
	assert.True(t, errors.Is(err, ErrUnknownEnvironment))
	assert.Empty(t, registry.checked)
	assert.Zero(t, gitops.pushes)
}

func TestDeployPushFailure(t *testing.T) {
	d, gitops, _ := newTestDeployer(t)
	gitops.Push = func(context.Context, *git.Repository) error {
		return errors.New("remote rejected")
	}

	_, err := d.Deploy(context.Background(), "stage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote rejected")
}

func TestDestroyRemovesEnvironment(t *testing.T) {
	d, gitops, _ := newTestDeployer(t)

	_, err := d.Deploy(context.Background(), "stage")
	require.NoError(t, err)
	_, err = d.Deploy(context.Background(), "prod")
	require.NoError(t, err)

	commit, err := d.Destroy(context.Background(), "stage")
	require.NoError(t, err)
	assert.NotEmpty(t, commit)
	assert.Equal(t, 3, gitops.pushes)

	for _, name := range manifestFiles {
		assert.False(t, gitops.exists(t, "manifests/stage/grimoirelab/"+name), name)
		assert.True(t, gitops.exists(t, "manifests/prod/grimoirelab/"+name), name)
	}
	assert.False(t, gitops.exists(t, "argocd-apps/grimoirelab-stage.yaml"))
	assert.True(t, gitops.exists(t, "argocd-apps/grimoirelab-prod.yaml"))

	commit, err = d.Destroy(context.Background(), "stage")
	require.NoError(t, err)
	assert.Empty(t, commit)
	assert.Equal(t, 3, gitops.pushes)
}
