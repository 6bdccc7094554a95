package main

import (
	"context"
	"fmt"
)

func (cli *commandLine) resetPassword(ctx context.Context, email, pwd string) error {
	if err := cli.accounts.ResetPassword(ctx, email, pwd); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cli.out, "password of %s updated\n", email)
	return nil
}
