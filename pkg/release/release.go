package release

import (
	"context"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/google/go-github/v28/github"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/shipcd/shipcd/pkg/retry"
	"github.com/shipcd/shipcd/pkg/version"
)

// api is the slice of the GitHub releases API we consume;
// github.Client.Repositories satisfies it.
type api interface {
	GetReleaseByTag(ctx context.Context, owner, repo, tag string) (*github.RepositoryRelease, *github.Response, error)
	CreateRelease(ctx context.Context, owner, repo string, release *github.RepositoryRelease) (*github.RepositoryRelease, *github.Response, error)
}

// Manager creates release records for published tags. Creation is
// idempotent by tag: re-entering the pipeline for a change whose tag
// already has a release is a no-op success.
type Manager struct {
	api    api
	owner  string
	repo   string
	retry  retry.Policy
	clock  clockwork.Clock
	logger log.Logger
}

// NewManager instantiates a Manager from a provided OAuth token.
func NewManager(token, owner, repo string, policy retry.Policy, logger log.Logger) *Manager {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	return &Manager{
		api:    github.NewClient(tc).Repositories,
		owner:  owner,
		repo:   repo,
		retry:  policy,
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
}

// EnsureRelease creates a release for the tag given, unless one
// already exists, in which case it reports created=false and no error.
// The tag must already be durably published; the pipeline hands the
// Manager a tag only after PublishTag succeeded. Transient creation
// failures are retried per the manager's policy; exhaustion surfaces
// as an error and the run aborts before build/deploy.
func (m *Manager) EnsureRelease(ctx context.Context, tag version.Tag, title, body string) (created bool, err error) {
	existing, resp, err := m.api.GetReleaseByTag(ctx, m.owner, m.repo, tag.String())
	switch {
	case err == nil && existing != nil:
		m.logger.Log("release", tag.String(), "exists", true)
		return false, nil
	case resp != nil && resp.StatusCode == http.StatusNotFound:
		// fall through to create
	case err != nil:
		return false, errors.Wrapf(err, "querying release for tag %s", tag.String())
	}

	rel := &github.RepositoryRelease{
		TagName:    github.String(tag.String()),
		Name:       github.String(title),
		Body:       github.String(body),
		Draft:      github.Bool(false),
		Prerelease: github.Bool(false),
	}
	err = retry.Do(ctx, m.retry, m.clock, m.logger, "create release", func() error {
		_, _, err := m.api.CreateRelease(ctx, m.owner, m.repo, rel)
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "creating release for tag %s", tag.String())
	}
	return true, nil
}
