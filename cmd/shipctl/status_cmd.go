package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/shipcd/shipcd/pkg/config"
	"github.com/shipcd/shipcd/pkg/deploy"
	"github.com/shipcd/shipcd/pkg/retry"
)

type statusOpts struct {
	*rootOpts
}

func newStatus(parent *rootOpts) *statusOpts {
	return &statusOpts{rootOpts: parent}
}

func (opts *statusOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print which version label the target environment is running.",
		Example: makeExample(
			"shipctl status",
		),
		RunE: opts.RunE,
	}
	return cmd
}

func (opts *statusOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	sess := session.Must(session.NewSession())
	reconciler := deploy.NewReconciler(sess, retry.DefaultPolicy(), log.NewNopLogger())
	target := deploy.Target{
		Application: cfg.Deploy.Application,
		Environment: cfg.Deploy.Environment,
	}

	label, err := reconciler.CurrentVersionLabel(context.Background(), target)
	if err != nil {
		return err
	}
	if label == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: no version deployed\n", target.Application, target.Environment)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: running %s\n", target.Application, target.Environment, label)
	return nil
}
