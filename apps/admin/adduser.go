package main

import (
	"context"
	"fmt"
)

// addUser bootstraps an approved administrator.
func (cli *commandLine) addUser(ctx context.Context, name, email, pwd string) error {
	prof, err := cli.accounts.AddAdministrator(ctx, name, email, pwd)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cli.out, "administrator %s created (uid: %s)\n", prof.Email, prof.ID)
	return nil
}
