package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/trezcool/shule/core/subscription"
)

// seedTokens adds the tokens listed under "tokens" in a yaml or json file. Known codes are skipped.
func (cli *commandLine) seedTokens(ctx context.Context, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}

	var tokens []subscription.Token
	if err := v.UnmarshalKey("tokens", &tokens); err != nil {
		return errors.Wrapf(err, "decoding tokens of %s", path)
	}
	if len(tokens) == 0 {
		return errors.Errorf("%s lists no tokens", path)
	}

	added, err := cli.ledger.SeedTokens(ctx, tokens)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cli.out, "%d token(s) added, %d already known\n", added, len(tokens)-added)
	return nil
}

// adminUID resolves an administrator given by email or uid.
func (cli *commandLine) adminUID(ctx context.Context, admin string) (string, error) {
	if !strings.Contains(admin, "@") {
		return admin, nil
	}
	prof, err := cli.accounts.GetByEmail(ctx, admin)
	if err != nil {
		return "", err
	}
	return prof.ID, nil
}

func (cli *commandLine) redeem(ctx context.Context, code, admin string) error {
	uid, err := cli.adminUID(ctx, admin)
	if err != nil {
		return err
	}
	sub, err := cli.ledger.RedeemWithRetry(ctx, code, uid)
	if err != nil {
		return err
	}
	return cli.printJSON(sub)
}

func (cli *commandLine) trial(ctx context.Context, admin string) error {
	uid, err := cli.adminUID(ctx, admin)
	if err != nil {
		return err
	}
	sub, err := cli.ledger.RedeemAnyTrial(ctx, uid)
	if err != nil {
		return err
	}
	return cli.printJSON(sub)
}

func (cli *commandLine) printJSON(v interface{}) error {
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
