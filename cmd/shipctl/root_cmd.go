package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type rootOpts struct {
	configPath      string
	gitDir          string
	gitURL          string
	githubTokenFile string
}

var errorWantedNoArgs = errors.New("expected no (non-flag) arguments")

func newRoot() *rootOpts {
	return &rootOpts{}
}

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "shipctl",
		Short:         "shipctl drives the shipcd release pipeline by hand.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "shipcd.yaml", "path to the pipeline config file")
	cmd.PersistentFlags().StringVar(&opts.gitDir, "git-dir", ".", "path of the working clone of the repository being shipped")
	cmd.PersistentFlags().StringVar(&opts.gitURL, "git-url", "", "URL of the upstream repository; defaults to the clone's origin")
	cmd.PersistentFlags().StringVar(&opts.githubTokenFile, "github-token-file", "", "path to a file containing the GitHub API token; $GITHUB_TOKEN is used when unset")

	cmd.AddCommand(
		newRun(opts).Command(),
		newNextVersion(opts).Command(),
		newStatus(opts).Command(),
	)
	return cmd
}

func makeExample(examples ...string) string {
	var buf strings.Builder
	for _, ex := range examples {
		buf.WriteString("  " + ex + "\n")
	}
	return strings.TrimRight(buf.String(), "\n")
}
