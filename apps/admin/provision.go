package main

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/roster"
)

// provision provisions every person of a CSV class list and prints the results as CSV.
func (cli *commandLine) provision(ctx context.Context, path string, role account.Role, grouping string) error {
	if !role.Valid() {
		return errors.Wrapf(account.ErrInvalidRole, "%q", role)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	candidates, err := roster.ParseCSV(f)
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}

	results := cli.batch.Provision(ctx, candidates, role, grouping)
	data, err := account.ResultsCSV(results)
	if err != nil {
		return err
	}
	_, err = cli.out.Write(data)
	return err
}
