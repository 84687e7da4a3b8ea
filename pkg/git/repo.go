package git

import (
	"context"
	"time"
)

const (
	defaultTimeout = 20 * time.Second
)

// Remote points at the shared upstream repository; the one whose tag
// namespace is the source of truth.
type Remote struct {
	URL string
}

// CommitRef identifies the change a pipeline run is for. It is
// immutable: created when the trigger arrives, passed by value between
// stages.
type CommitRef struct {
	Revision string
	Message  string
	Parents  []string
}

// TagAction is a struct holding tag parameters
type TagAction struct {
	Tag        string
	Revision   string
	Message    string
	SigningKey string
}

// Repo is a local working clone of the upstream repo, used to read
// commit and tag history and to publish version tags. Methods shell
// out to git; each gets a bounded context.
type Repo struct {
	dir      string
	upstream Remote
	timeout  time.Duration
}

// Option is supplied to NewRepo to fiddle with defaults.
type Option interface {
	apply(*Repo)
}

type optionFunc func(*Repo)

func (f optionFunc) apply(r *Repo) {
	f(r)
}

// Timeout sets the per-operation git timeout.
func Timeout(t time.Duration) Option {
	return optionFunc(func(r *Repo) {
		r.timeout = t
	})
}

func NewRepo(dir string, upstream Remote, opts ...Option) *Repo {
	r := &Repo{
		dir:      dir,
		upstream: upstream,
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o.apply(r)
	}
	return r
}

func (r *Repo) Dir() string {
	return r.dir
}

// SetIdentity configures the author used for annotated tags.
func (r *Repo) SetIdentity(ctx context.Context, user, email string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return config(ctx, r.dir, user, email)
}

// Refresh brings the working copy and its tag namespace up to date
// with the upstream; called before a run so the pushed commit is
// present locally.
func (r *Repo) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := pull(ctx, r.dir, r.upstream.URL); err != nil {
		return err
	}
	return fetchTags(ctx, r.dir, r.upstream.URL)
}

// HeadRef returns the commit at HEAD, with its full message and parent
// revisions.
func (r *Repo) HeadRef(ctx context.Context) (CommitRef, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rev, err := refRevision(ctx, r.dir, "HEAD")
	if err != nil {
		return CommitRef{}, err
	}
	msg, err := commitMessage(ctx, r.dir, rev)
	if err != nil {
		return CommitRef{}, err
	}
	parents, err := commitParents(ctx, r.dir, rev)
	if err != nil {
		return CommitRef{}, err
	}
	return CommitRef{Revision: rev, Message: msg, Parents: parents}, nil
}

// VersionTags lists the tags under prefix that are reachable from
// HEAD, after refreshing the tag namespace from the upstream.
func (r *Repo) VersionTags(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := fetchTags(ctx, r.dir, r.upstream.URL); err != nil {
		return nil, err
	}
	return mergedTags(ctx, r.dir, prefix, "HEAD")
}

// TagExistsRemote asks the upstream whether the tag is already
// published there.
func (r *Repo) TagExistsRemote(ctx context.Context, tag string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return remoteTagExists(ctx, r.dir, r.upstream.URL, tag)
}

// PublishTag durably creates the annotated tag and pushes it to the
// upstream. If the tag already exists upstream it returns
// TagExistsError and writes nothing: a duplicate means this change was
// already processed by an earlier run, and tags are immutable.
//
// Publication happens by direct invocation from the pipeline run;
// nothing downstream may rely on the pushed tag re-triggering a
// separate pipeline, since pushes by an automated identity are
// routinely suppressed by hosting platforms.
func (r *Repo) PublishTag(ctx context.Context, action TagAction) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	exists, err := remoteTagExists(ctx, r.dir, r.upstream.URL, action.Tag)
	if err != nil {
		return err
	}
	if exists {
		return TagExistsError{Tag: action.Tag}
	}
	if err := createAnnotatedTag(ctx, r.dir, action); err != nil {
		return err
	}
	if err := pushTag(ctx, r.dir, r.upstream.URL, action.Tag); err != nil {
		// The push races other publishers; the upstream rejecting the
		// ref is the lock.
		if pushedElsewhere, probeErr := remoteTagExists(ctx, r.dir, r.upstream.URL, action.Tag); probeErr == nil && pushedElsewhere {
			return TagExistsError{Tag: action.Tag}
		}
		return err
	}
	return nil
}
