package main

import (
	"context"

	"github.com/fgeck/borrg/internal/models"
	"github.com/fgeck/borrg/internal/services/passcmd"
	"github.com/gosuri/uitable"
	"github.com/rs/zerolog/log"
)

func newTable(headers ...interface{}) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	table.AddRow(headers...)
	return table
}

// credentialEnv resolves the passphrase of target into borg environment variables.
func credentialEnv(ctx context.Context, target models.ResolvedTarget) ([]string, error) {
	cred, err := passcmd.New(log.Logger).Resolve(ctx, target.Name, target.Credential)
	if err != nil {
		return nil, err
	}
	return cred.Env, nil
}
