package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/shipcd/shipcd/pkg/build"
	"github.com/shipcd/shipcd/pkg/config"
	"github.com/shipcd/shipcd/pkg/daemon"
	"github.com/shipcd/shipcd/pkg/deploy"
	"github.com/shipcd/shipcd/pkg/event"
	"github.com/shipcd/shipcd/pkg/git"
	"github.com/shipcd/shipcd/pkg/pipeline"
	"github.com/shipcd/shipcd/pkg/release"
	"github.com/shipcd/shipcd/pkg/retry"
	"github.com/shipcd/shipcd/pkg/store"
	"github.com/shipcd/shipcd/pkg/version"
)

func main() {
	// Flag domain.
	fs := pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  shipcd is a release pipeline daemon: it tags, releases, builds and deploys each mainline change.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}
	var (
		listenAddr      = fs.StringP("listen", "l", ":3031", "listen address for push notifications and metrics")
		configPath      = fs.String("config", "shipcd.yaml", "path to the pipeline config file")
		gitDir          = fs.String("git-dir", ".", "path of the working clone of the repository being shipped")
		gitURL          = fs.String("git-url", "", "URL of the upstream repository; defaults to the clone's origin")
		gitTimeout      = fs.Duration("git-timeout", 40*time.Second, "duration after which individual git operations time out")
		gitUser         = fs.String("git-user", "shipcd", "username to use as tag author")
		gitEmail        = fs.String("git-email", "shipcd@noreply", "email to use as tag author")
		githubTokenFile = fs.String("github-token-file", "", "path to a file containing the GitHub API token; $GITHUB_TOKEN is used when unset")
		runTimeout      = fs.Duration("run-timeout", 15*time.Minute, "duration after which a whole pipeline run times out")
		retryAttempts   = fs.Int("retry-max-attempts", retry.DefaultMaxAttempts, "number of attempts for retryable collaborator calls")
		retryBackoff    = fs.Duration("retry-initial-backoff", retry.DefaultInitialBackoff, "initial backoff between retry attempts")
		retryMaxBackoff = fs.Duration("retry-max-backoff", retry.DefaultMaxBackoff, "upper bound on backoff between retry attempts")
	)
	fs.Parse(os.Args[1:])

	// Logger domain.
	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(os.Stderr)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log("err", err)
		os.Exit(1)
	}

	policy := retry.Policy{
		MaxAttempts:    *retryAttempts,
		InitialBackoff: *retryBackoff,
		MaxBackoff:     *retryMaxBackoff,
	}

	// Git component.
	var repo *git.Repo
	{
		logger := log.With(logger, "component", "git")
		upstream := *gitURL
		if upstream == "" {
			upstream = "origin"
		}
		repo = git.NewRepo(*gitDir, git.Remote{URL: upstream}, git.Timeout(*gitTimeout))
		logger.Log("dir", *gitDir, "upstream", upstream)
	}

	// Release component.
	var releases *release.Manager
	{
		logger := log.With(logger, "component", "release")
		token := os.Getenv("GITHUB_TOKEN")
		if *githubTokenFile != "" {
			buf, err := ioutil.ReadFile(*githubTokenFile)
			if err != nil {
				logger.Log("err", err)
				os.Exit(1)
			}
			token = strings.TrimSpace(string(buf))
		}
		if token == "" {
			logger.Log("warning", "no GitHub token supplied; release creation will fail")
		}
		releases = release.NewManager(token, cfg.GitHub.Owner, cfg.GitHub.Repo, policy, logger)
	}

	// AWS-backed components: artifact store and deployment platform.
	sess := session.Must(session.NewSession())
	var artifacts store.Store
	var reconciler *deploy.Reconciler
	{
		logger := log.With(logger, "component", "store")
		artifacts = store.NewS3Store(sess, cfg.Artifact.Bucket, cfg.Artifact.Prefix, policy, logger)
	}
	{
		logger := log.With(logger, "component", "deploy")
		reconciler = deploy.NewReconciler(sess, policy, logger)
	}

	// Pipeline runner.
	runner := &pipeline.Runner{
		Source:   repo,
		Resolver: version.Resolver{Prefix: cfg.TagPrefix, DefaultBump: cfg.Bump()},
		Tags:     repo,
		Releases: releases,
		Builder: build.ExecBuilder{
			Dir:     *gitDir,
			Command: cfg.Build.Command,
			Output:  cfg.Build.Output,
			Logger:  log.With(logger, "component", "build"),
		},
		Store:    artifacts,
		Deployer: reconciler,
		Target: deploy.Target{
			Application: cfg.Deploy.Application,
			Environment: cfg.Deploy.Environment,
		},
		Events: event.LogWriter{Logger: log.With(logger, "component", "events")},
		Logger: log.With(logger, "component", "pipeline"),
	}

	if err := repo.SetIdentity(context.Background(), *gitUser, *gitEmail); err != nil {
		logger.Log("err", err)
		os.Exit(1)
	}

	// Shutdown tactics.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	stop := make(chan struct{})
	wg := &sync.WaitGroup{}

	d := &daemon.Daemon{
		Runner:     runner,
		Repo:       repo,
		Queue:      daemon.NewQueue(stop, wg),
		RunTimeout: *runTimeout,
		Logger:     log.With(logger, "component", "daemon"),
	}
	wg.Add(1)
	go d.Loop(stop, wg)

	// HTTP component.
	go func() {
		router := daemon.NewRouter()
		handler := daemon.NewHandler(d, cfg, router)
		router.Handle("/metrics", promhttp.Handler())
		logger.Log("addr", *listenAddr)
		errc <- http.ListenAndServe(*listenAddr, handler)
	}()

	logger.Log("exiting", <-errc)
	close(stop)
	wg.Wait()
}
