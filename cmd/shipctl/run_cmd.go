package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/shipcd/shipcd/pkg/build"
	"github.com/shipcd/shipcd/pkg/config"
	"github.com/shipcd/shipcd/pkg/deploy"
	"github.com/shipcd/shipcd/pkg/git"
	"github.com/shipcd/shipcd/pkg/pipeline"
	"github.com/shipcd/shipcd/pkg/release"
	"github.com/shipcd/shipcd/pkg/retry"
	"github.com/shipcd/shipcd/pkg/store"
	"github.com/shipcd/shipcd/pkg/version"
)

type runOpts struct {
	*rootOpts
	timeout time.Duration
}

func newRun(parent *rootOpts) *runOpts {
	return &runOpts{rootOpts: parent}
}

func (opts *runOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the whole pipeline once, for the working copy's HEAD.",
		Example: makeExample(
			"shipctl run",
			"shipctl run --git-dir=../widget --config=../widget/shipcd.yaml",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 15*time.Minute, "duration after which the run times out")
	return cmd
}

func (opts *runOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}

	runner, cfg, err := opts.makeRunner()
	if err != nil {
		return err
	}

	begin := time.Now()
	printf := func(format string, a ...interface{}) {
		a = append([]interface{}{int(time.Since(begin).Seconds())}, a...)
		fmt.Fprintf(cmd.OutOrStdout(), "t=%d "+format+"\n", a...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	printf("Running pipeline for %s/%s...", cfg.GitHub.Owner, cfg.GitHub.Repo)
	run, err := runner.RunFromHead(ctx)
	if err != nil {
		return err
	}
	switch run.Status.StatusString {
	case pipeline.StatusAborted:
		printf("Nothing to do: %s (change already shipped)", run.Status)
	default:
		printf("Published tag %s, deployed %s to %s", run.Tag.String(), run.Ref.Revision, cfg.Deploy.Environment)
	}
	return nil
}

// makeRunner wires the same pipeline the daemon runs, from flags and
// the config file.
func (opts *rootOpts) makeRunner() (*pipeline.Runner, config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, cfg, err
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	policy := retry.DefaultPolicy()

	upstream := opts.gitURL
	if upstream == "" {
		upstream = "origin"
	}
	repo := git.NewRepo(opts.gitDir, git.Remote{URL: upstream})

	token := os.Getenv("GITHUB_TOKEN")
	if opts.githubTokenFile != "" {
		buf, err := ioutil.ReadFile(opts.githubTokenFile)
		if err != nil {
			return nil, cfg, err
		}
		token = strings.TrimSpace(string(buf))
	}

	sess := session.Must(session.NewSession())
	runner := &pipeline.Runner{
		Source:   repo,
		Resolver: version.Resolver{Prefix: cfg.TagPrefix, DefaultBump: cfg.Bump()},
		Tags:     repo,
		Releases: release.NewManager(token, cfg.GitHub.Owner, cfg.GitHub.Repo, policy, logger),
		Builder: build.ExecBuilder{
			Dir:     opts.gitDir,
			Command: cfg.Build.Command,
			Output:  cfg.Build.Output,
			Logger:  logger,
		},
		Store:    store.NewS3Store(sess, cfg.Artifact.Bucket, cfg.Artifact.Prefix, policy, logger),
		Deployer: deploy.NewReconciler(sess, policy, logger),
		Target: deploy.Target{
			Application: cfg.Deploy.Application,
			Environment: cfg.Deploy.Environment,
		},
		Logger: logger,
	}
	return runner, cfg, nil
}
