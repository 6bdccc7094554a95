package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"

	"golang.org/x/term"

	"github.com/trezcool/shule/core/account"
	"github.com/trezcool/shule/core/subscription"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	accounts *account.Service
	batch    *account.BatchProvisioner
	ledger   *subscription.Ledger
	migrate  func(ctx context.Context, command string, args ...string) error // nil unless a database engine is postgres
	out      io.Writer
}

func (cli *commandLine) printUsage() {
	_, _ = fmt.Fprintln(cli.out, "Usage:")
	_, _ = fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS...]                          - run a database migration command (up, down, status, redo, ...)")
	_, _ = fmt.Fprintln(cli.out, "  adduser -name NAME -email EMAIL                    - add an approved administrator")
	_, _ = fmt.Fprintln(cli.out, "  resetpassword -email EMAIL                         - reset an account's password")
	_, _ = fmt.Fprintln(cli.out, "  seedtokens -file FILE                              - add activation tokens from a yaml/json file")
	_, _ = fmt.Fprintln(cli.out, "  provision -file FILE -role ROLE [-grouping GROUP]  - provision accounts from a CSV class list")
	_, _ = fmt.Fprintln(cli.out, "  redeem -token CODE -admin EMAIL|UID                - redeem an activation token")
	_, _ = fmt.Fprintln(cli.out, "  trial -admin EMAIL|UID                             - start the free trial")
}

func (cli *commandLine) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

// promptPassword reads a password without echoing it.
func (cli *commandLine) promptPassword() (string, error) {
	_, _ = fmt.Fprint(cli.out, "Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	_, _ = fmt.Fprintln(cli.out)
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := cli.newFlagSet("adduser")
	addUserName := addUserCmd.String("name", "", "The administrator's full name.")
	addUserEmail := addUserCmd.String("email", "", "The administrator's email. The password will be prompted next.")

	resetPasswordCmd := cli.newFlagSet("resetpassword")
	resetPasswordEmail := resetPasswordCmd.String("email", "", "The account's email. The password will be prompted next.")

	seedTokensCmd := cli.newFlagSet("seedtokens")
	seedTokensFile := seedTokensCmd.String("file", "", "A yaml or json file listing tokens: [{code, plan, position}].")

	provisionCmd := cli.newFlagSet("provision")
	provisionFile := provisionCmd.String("file", "", "A CSV class list (name[,email,password]).")
	provisionRole := provisionCmd.String("role", string(account.RoleLearner), "The role of every account in the list.")
	provisionGrouping := provisionCmd.String("grouping", "", "The class of the learners.")

	redeemCmd := cli.newFlagSet("redeem")
	redeemToken := redeemCmd.String("token", "", "The activation token.")
	redeemAdmin := redeemCmd.String("admin", "", "The redeeming administrator's email or uid.")

	trialCmd := cli.newFlagSet("trial")
	trialAdmin := trialCmd.String("admin", "", "The redeeming administrator's email or uid.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.runMigration(ctx, args[2], args[3:]...)

	case "adduser":
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addUserName == "" || *addUserEmail == "" {
			addUserCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			addUserCmd.Usage()
			return errHelp
		}
		return cli.addUser(ctx, *addUserName, *addUserEmail, pwd)

	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resetPasswordEmail == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		return cli.resetPassword(ctx, *resetPasswordEmail, pwd)

	case "seedtokens":
		if err := seedTokensCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *seedTokensFile == "" {
			seedTokensCmd.Usage()
			return errHelp
		}
		return cli.seedTokens(ctx, *seedTokensFile)

	case "provision":
		if err := provisionCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *provisionFile == "" {
			provisionCmd.Usage()
			return errHelp
		}
		return cli.provision(ctx, *provisionFile, account.Role(*provisionRole), *provisionGrouping)

	case "redeem":
		if err := redeemCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *redeemToken == "" || *redeemAdmin == "" {
			redeemCmd.Usage()
			return errHelp
		}
		return cli.redeem(ctx, *redeemToken, *redeemAdmin)

	case "trial":
		if err := trialCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *trialAdmin == "" {
			trialCmd.Usage()
			return errHelp
		}
		return cli.trial(ctx, *trialAdmin)

	default:
		cli.printUsage()
		return errHelp
	}
}
