package main

import (
	"context"
	"fmt"
	"path"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Destroy removes the resources and the ArgoCD Application of envName from
// the GitOps repository. ArgoCD prunes the live objects. It returns an empty
// commit hash when nothing was deployed.
func (d *Deployer) Destroy(ctx context.Context, envName string) (string, error) {
	env, err := d.Descriptor.Environment(envName)
	if err != nil {
		return "", err
	}
	svc := d.Descriptor.Service

	dir := d.GitOps.ManifestDir(env, svc.Name)
	remove := make([]string, 0, len(manifestFiles)+1)
	for _, name := range manifestFiles {
		remove = append(remove, path.Join(dir, name))
	}
	remove = append(remove, d.GitOps.ApplicationFile(env, svc.Name))

	commit, err := d.GitOps.Apply(ctx, Change{
		Message: fmt.Sprintf("Destroy %s in %s", svc.Name, env.Name),
		Remove:  remove,
	})
	if err != nil {
		return "", errors.Wrapf(err, "destroy %s in %s", svc.Name, env.Name)
	}

	if commit == "" {
		log.WithField("env", env.Name).Info("nothing deployed, nothing to destroy")
	}
	return commit, nil
}
