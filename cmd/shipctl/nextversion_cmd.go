package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shipcd/shipcd/pkg/config"
	"github.com/shipcd/shipcd/pkg/git"
	"github.com/shipcd/shipcd/pkg/version"
)

type nextVersionOpts struct {
	*rootOpts
}

func newNextVersion(parent *rootOpts) *nextVersionOpts {
	return &nextVersionOpts{rootOpts: parent}
}

func (opts *nextVersionOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next-version",
		Short: "Print the version the pipeline would tag HEAD with, without writing anything.",
		Example: makeExample(
			"shipctl next-version",
		),
		RunE: opts.RunE,
	}
	return cmd
}

func (opts *nextVersionOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	upstream := opts.gitURL
	if upstream == "" {
		upstream = "origin"
	}
	repo := git.NewRepo(opts.gitDir, git.Remote{URL: upstream})

	ctx := context.Background()
	ref, err := repo.HeadRef(ctx)
	if err != nil {
		return err
	}
	tags, err := repo.VersionTags(ctx, cfg.TagPrefix)
	if err != nil {
		return err
	}

	resolver := version.Resolver{Prefix: cfg.TagPrefix, DefaultBump: cfg.Bump()}
	tag, err := resolver.Resolve(tags, ref.Message)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", tag.String())
	return nil
}
