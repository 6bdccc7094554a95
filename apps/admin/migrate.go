package main

import (
	"context"

	"github.com/pkg/errors"
)

var errNoDatabase = errors.New("migrations need the postgres engine")

func (cli *commandLine) runMigration(ctx context.Context, command string, args ...string) error {
	if cli.migrate == nil {
		return errNoDatabase
	}
	return cli.migrate(ctx, command, args...)
}
