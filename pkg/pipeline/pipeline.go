package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/shipcd/shipcd/pkg/build"
	"github.com/shipcd/shipcd/pkg/deploy"
	"github.com/shipcd/shipcd/pkg/event"
	"github.com/shipcd/shipcd/pkg/git"
	shipmetrics "github.com/shipcd/shipcd/pkg/metrics"
	"github.com/shipcd/shipcd/pkg/store"
	"github.com/shipcd/shipcd/pkg/version"
)

// Stage names, in execution order. Each stage runs only if its
// predecessor produced a usable result.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageTag     Stage = "tag"
	StageRelease Stage = "release"
	StageBuild   Stage = "build"
	StageStore   Stage = "store"
	StageDeploy  Stage = "deploy"
)

type StatusString string

const (
	StatusSucceeded StatusString = "succeeded"
	StatusAborted   StatusString = "aborted"
	StatusFailed    StatusString = "failed"
)

// Status is the terminal state of a run: succeeded, aborted-at-stage
// or failed-at-stage.
type Status struct {
	StatusString StatusString
	Stage        Stage
	Err          string
}

func (s Status) String() string {
	switch s.StatusString {
	case StatusSucceeded:
		return string(StatusSucceeded)
	case StatusAborted:
		return fmt.Sprintf("aborted-at-stage(%s)", s.Stage)
	default:
		return fmt.Sprintf("failed-at-stage(%s)", s.Stage)
	}
}

// StageError carries the failing stage's name alongside the underlying
// cause, so a failed run can be diagnosed without rerunning it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Err.Error())
}

func (e *StageError) Unwrap() error { return e.Err }

// Run is the ephemeral record of one pipeline execution. Only its side
// effects (tag, release, artifact, deployment) persist; the record
// itself is discarded once reported.
type Run struct {
	Ref            git.CommitRef
	Tag            version.Tag
	ReleaseCreated bool
	Artifact       build.Artifact
	Location       store.Location
	Uploaded       bool
	Status         Status
	Started        time.Time
	Ended          time.Time
}

// CommitSource supplies the triggering change and the repository's tag
// history.
type CommitSource interface {
	HeadRef(ctx context.Context) (git.CommitRef, error)
	VersionTags(ctx context.Context, prefix string) ([]string, error)
}

// TagPublisher durably creates exactly one annotated tag for a
// candidate version.
type TagPublisher interface {
	PublishTag(ctx context.Context, action git.TagAction) error
}

// ReleaseManager creates the release record bound to a published tag.
type ReleaseManager interface {
	EnsureRelease(ctx context.Context, tag version.Tag, title, body string) (created bool, err error)
}

// Deployer reconciles the deployment target onto a stored artifact.
type Deployer interface {
	Reconcile(ctx context.Context, target deploy.Target, versionLabel string, loc store.Location) error
}

// Runner sequences the pipeline stages for one change at a time. It is
// strictly ordered: tag before release, release before build, build
// before deploy; and it short-circuits as soon as a stage yields no
// usable result.
type Runner struct {
	Source   CommitSource
	Resolver version.Resolver
	Tags     TagPublisher
	Releases ReleaseManager
	Builder  build.Builder
	Store    store.Store
	Deployer Deployer
	Target   deploy.Target

	Events event.Writer
	Logger log.Logger
}

// RunFromHead triggers a run for whatever the working copy's HEAD is;
// used by the CLI, where there is no push payload to go on.
func (r *Runner) RunFromHead(ctx context.Context) (Run, error) {
	ref, err := r.Source.HeadRef(ctx)
	if err != nil {
		return Run{}, err
	}
	return r.Run(ctx, ref)
}

// Run executes the pipeline for the change given. The returned error
// is nil for succeeded and aborted runs; failed runs return a
// *StageError. Every stage is either a precondition-checked create or
// an idempotent no-op, so re-running for the same change is safe and
// produces no new side effects.
func (r *Runner) Run(ctx context.Context, ref git.CommitRef) (Run, error) {
	run := Run{Ref: ref, Started: time.Now()}
	r.logEvent(event.Event{
		Type:     event.EventRunStarted,
		Revision: ref.Revision,
		LogLevel: event.LogLevelInfo,
		Message:  fmt.Sprintf("pipeline run started for %s", ref.Revision),
	})
	defer func() {
		run.Ended = time.Now()
		runDuration.With(shipmetrics.LabelStatus, string(run.Status.StatusString)).Observe(run.Ended.Sub(run.Started).Seconds())
		r.logEvent(event.Event{
			Type:     event.EventRunEnded,
			Revision: ref.Revision,
			LogLevel: levelFor(run.Status),
			Message:  fmt.Sprintf("pipeline run %s for %s", run.Status, ref.Revision),
		})
	}()

	// Resolve the candidate version. Pure; nothing has been written if
	// this fails.
	tags, err := r.stage(StageResolve, func() (interface{}, error) {
		return r.Source.VersionTags(ctx, r.Resolver.Prefix)
	})
	if err != nil {
		return r.failed(&run, StageResolve, err), err
	}
	candidate, rerr := r.Resolver.Resolve(tags.([]string), ref.Message)
	if rerr != nil {
		err := &StageError{Stage: StageResolve, Err: rerr}
		return r.failed(&run, StageResolve, err), err
	}
	candidate.Revision = ref.Revision
	run.Tag = candidate
	r.Logger.Log("stage", StageResolve, "tag", candidate.String(), "revision", ref.Revision)

	// Publish the tag. A duplicate upstream tag means this change was
	// already shipped by an earlier run; the outcome is satisfied, so
	// the run aborts without escalating.
	_, err = r.stage(StageTag, func() (interface{}, error) {
		return nil, r.Tags.PublishTag(ctx, git.TagAction{
			Tag:      candidate.String(),
			Revision: ref.Revision,
			Message:  fmt.Sprintf("release %s", candidate.String()),
		})
	})
	if err != nil {
		if git.IsTagExists(err.Err) {
			run.Status = Status{StatusString: StatusAborted, Stage: StageTag}
			r.Logger.Log("stage", StageTag, "aborted", err.Err.Error())
			return run, nil
		}
		return r.failed(&run, StageTag, err), err
	}
	r.logEvent(event.Event{
		Type:     event.EventTagPush,
		Revision: ref.Revision,
		LogLevel: event.LogLevelInfo,
		Message:  fmt.Sprintf("published tag %s", candidate.String()),
		Metadata: &event.TagPushEventMetadata{Tag: candidate.String()},
	})

	// Create the release record. Idempotent by tag.
	created, err := r.stage(StageRelease, func() (interface{}, error) {
		c, err := r.Releases.EnsureRelease(ctx, candidate, releaseTitle(candidate), releaseBody(candidate, ref))
		return c, err
	})
	if err != nil {
		return r.failed(&run, StageRelease, err), err
	}
	run.ReleaseCreated = created.(bool)
	r.logEvent(event.Event{
		Type:     event.EventRelease,
		Revision: ref.Revision,
		LogLevel: event.LogLevelInfo,
		Metadata: &event.ReleaseEventMetadata{Tag: candidate.String(), Created: run.ReleaseCreated},
	})

	// Build the artifact.
	artifact, err := r.stage(StageBuild, func() (interface{}, error) {
		return r.Builder.Build(ctx, ref)
	})
	if err != nil {
		return r.failed(&run, StageBuild, err), err
	}
	run.Artifact = artifact.(build.Artifact)
	r.logEvent(event.Event{
		Type:     event.EventBuild,
		Revision: ref.Revision,
		LogLevel: event.LogLevelInfo,
		Message:  fmt.Sprintf("built artifact %s (%d bytes)", run.Artifact.Key, run.Artifact.Size),
		Metadata: &event.BuildEventMetadata{
			Key:    run.Artifact.Key,
			Size:   run.Artifact.Size,
			SHA256: run.Artifact.SHA256,
		},
	})

	// Store it, unless a byte-identical artifact is already there from
	// a prior partially-failed run.
	loc, err := r.stage(StageStore, func() (interface{}, error) {
		has, err := r.Store.Has(ctx, run.Artifact)
		if err != nil {
			return nil, err
		}
		if has {
			r.Logger.Log("stage", StageStore, "skip-upload", run.Artifact.Key)
			return r.Store.Location(run.Artifact), nil
		}
		l, err := r.Store.Put(ctx, run.Artifact)
		if err == nil {
			run.Uploaded = true
		}
		return l, err
	})
	if err != nil {
		return r.failed(&run, StageStore, err), err
	}
	run.Location = loc.(store.Location)
	r.logEvent(event.Event{
		Type:     event.EventUpload,
		Revision: ref.Revision,
		LogLevel: event.LogLevelInfo,
		Metadata: &event.UploadEventMetadata{
			Bucket:   run.Location.Bucket,
			Key:      run.Location.Key,
			Uploaded: run.Uploaded,
		},
	})

	// Reconcile the deployment target.
	_, err = r.stage(StageDeploy, func() (interface{}, error) {
		return nil, r.Deployer.Reconcile(ctx, r.Target, ref.Revision, run.Location)
	})
	if err != nil {
		return r.failed(&run, StageDeploy, err), err
	}
	r.logEvent(event.Event{
		Type:     event.EventDeploy,
		Revision: ref.Revision,
		LogLevel: event.LogLevelInfo,
		Metadata: &event.DeployEventMetadata{
			Application:  r.Target.Application,
			Environment:  r.Target.Environment,
			VersionLabel: ref.Revision,
		},
	})

	run.Status = Status{StatusString: StatusSucceeded}
	return run, nil
}

// stage wraps one stage call with timing metrics and the StageError
// taxonomy.
func (r *Runner) stage(name Stage, fn func() (interface{}, error)) (interface{}, *StageError) {
	begin := time.Now()
	out, err := fn()
	stageDuration.With(shipmetrics.LabelStage, string(name), shipmetrics.LabelSuccess, fmt.Sprint(err == nil)).Observe(time.Since(begin).Seconds())
	if err != nil {
		return out, &StageError{Stage: name, Err: err}
	}
	return out, nil
}

// failed mutates the run in place so the deferred run-ended emitter
// sees the terminal status too, not just the caller.
func (r *Runner) failed(run *Run, stage Stage, err *StageError) Run {
	run.Status = Status{StatusString: StatusFailed, Stage: stage, Err: err.Err.Error()}
	r.Logger.Log("stage", stage, "err", err.Err)
	return *run
}

func (r *Runner) logEvent(e event.Event) {
	if r.Events == nil {
		return
	}
	now := time.Now()
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = now
	}
	if err := r.Events.LogEvent(e); err != nil {
		r.Logger.Log("err", err)
	}
}

func levelFor(s Status) string {
	if s.StatusString == StatusFailed {
		return event.LogLevelError
	}
	return event.LogLevelInfo
}

func releaseTitle(tag version.Tag) string {
	return fmt.Sprintf("Release %s", tag.String())
}

func releaseBody(tag version.Tag, ref git.CommitRef) string {
	return fmt.Sprintf("%s\n\nReleased from commit %s.", ref.Message, ref.Revision)
}
