package pipeline

import (
	"context"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipcd/shipcd/pkg/build"
	"github.com/shipcd/shipcd/pkg/deploy"
	"github.com/shipcd/shipcd/pkg/event"
	"github.com/shipcd/shipcd/pkg/git"
	"github.com/shipcd/shipcd/pkg/store"
	"github.com/shipcd/shipcd/pkg/version"
)

type fakeSource struct {
	head git.CommitRef
	tags []string
}

func (f *fakeSource) HeadRef(ctx context.Context) (git.CommitRef, error) { return f.head, nil }
func (f *fakeSource) VersionTags(ctx context.Context, prefix string) ([]string, error) {
	return f.tags, nil
}

type fakePublisher struct {
	published map[string]string // tag -> revision
	calls     int
}

func newFakePublisher() *fakePublisher { return &fakePublisher{published: map[string]string{}} }

func (f *fakePublisher) PublishTag(ctx context.Context, action git.TagAction) error {
	f.calls++
	if _, ok := f.published[action.Tag]; ok {
		return git.TagExistsError{Tag: action.Tag}
	}
	f.published[action.Tag] = action.Revision
	return nil
}

type fakeReleases struct {
	existing map[string]bool
	calls    int
	err      error
}

func newFakeReleases() *fakeReleases { return &fakeReleases{existing: map[string]bool{}} }

func (f *fakeReleases) EnsureRelease(ctx context.Context, tag version.Tag, title, body string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if f.existing[tag.String()] {
		return false, nil
	}
	f.existing[tag.String()] = true
	return true, nil
}

type fakeBuilder struct {
	calls int
	err   error
}

func (f *fakeBuilder) Build(ctx context.Context, ref git.CommitRef) (build.Artifact, error) {
	f.calls++
	if f.err != nil {
		return build.Artifact{}, f.err
	}
	return build.Artifact{Key: ref.Revision, Path: "/tmp/bundle.zip", Size: 5, SHA256: "abc"}, nil
}

type fakeStore struct {
	objects  map[string]build.Artifact
	putCalls int
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string]build.Artifact{}} }

func (f *fakeStore) Location(a build.Artifact) store.Location {
	return store.Location{Bucket: "artifacts", Key: a.Key + ".zip"}
}

func (f *fakeStore) Has(ctx context.Context, a build.Artifact) (bool, error) {
	stored, ok := f.objects[a.Key]
	return ok && stored.Size == a.Size && stored.SHA256 == a.SHA256, nil
}

func (f *fakeStore) Put(ctx context.Context, a build.Artifact) (store.Location, error) {
	f.putCalls++
	f.objects[a.Key] = a
	return f.Location(a), nil
}

type fakeDeployer struct {
	liveLabel string
	calls     int
	err       error
}

func (f *fakeDeployer) Reconcile(ctx context.Context, target deploy.Target, versionLabel string, loc store.Location) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.liveLabel = versionLabel
	return nil
}

type recordingEvents struct {
	events []event.Event
}

func (w *recordingEvents) LogEvent(e event.Event) error {
	w.events = append(w.events, e)
	return nil
}

func (w *recordingEvents) last() event.Event {
	return w.events[len(w.events)-1]
}

type fixture struct {
	source   *fakeSource
	tags     *fakePublisher
	releases *fakeReleases
	builder  *fakeBuilder
	store    *fakeStore
	deployer *fakeDeployer
	events   *recordingEvents
	runner   *Runner
}

func newFixture() *fixture {
	f := &fixture{
		source: &fakeSource{
			head: git.CommitRef{Revision: "abc123", Message: "fix: off by one", Parents: []string{"def456"}},
			tags: []string{"v1.0.0", "v1.0.1"},
		},
		tags:     newFakePublisher(),
		releases: newFakeReleases(),
		builder:  &fakeBuilder{},
		store:    newFakeStore(),
		deployer: &fakeDeployer{liveLabel: "previous"},
		events:   &recordingEvents{},
	}
	f.runner = &Runner{
		Source:   f.source,
		Resolver: version.Resolver{Prefix: "v", DefaultBump: version.BumpPatch},
		Tags:     f.tags,
		Releases: f.releases,
		Builder:  f.builder,
		Store:    f.store,
		Deployer: f.deployer,
		Target:   deploy.Target{Application: "widget", Environment: "widget-prod"},
		Events:   f.events,
		Logger:   log.NewNopLogger(),
	}
	return f
}

func TestRun_FullPipeline(t *testing.T) {
	f := newFixture()

	run, err := f.runner.RunFromHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status.StatusString)
	assert.Equal(t, "v1.0.2", run.Tag.String())
	assert.Equal(t, "abc123", f.tags.published["v1.0.2"])
	assert.True(t, run.ReleaseCreated)
	assert.True(t, run.Uploaded)
	assert.Equal(t, "abc123", f.deployer.liveLabel)
}

func TestRun_SecondRunIsAllNoOps(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.runner.RunFromHead(ctx)
	require.NoError(t, err)

	// Same change again (e.g. a redelivered push event): the tag
	// publisher rejects the duplicate and everything downstream is
	// skipped.
	run, err := f.runner.RunFromHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, run.Status.StatusString)
	assert.Equal(t, StageTag, run.Status.Stage)

	assert.Len(t, f.tags.published, 1)
	assert.Equal(t, 1, f.releases.calls)
	assert.Equal(t, 1, f.builder.calls)
	assert.Equal(t, 1, f.store.putCalls)
	assert.Equal(t, 1, f.deployer.calls)
}

func TestRun_HistoryCorruptAbortsBeforeAnyWrite(t *testing.T) {
	f := newFixture()
	f.source.tags = []string{"vgarbage", "v1.2"}

	run, err := f.runner.RunFromHead(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, run.Status.StatusString)
	assert.Equal(t, StageResolve, run.Status.Stage)
	assert.Equal(t, 0, f.tags.calls)
	assert.Equal(t, 0, f.releases.calls)
}

func TestRun_ReleaseFailureStopsBeforeBuild(t *testing.T) {
	f := newFixture()
	f.releases.err = errors.New("api down")

	run, err := f.runner.RunFromHead(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, run.Status.StatusString)
	assert.Equal(t, StageRelease, run.Status.Stage)
	// Tag stays published; build and deploy never happen.
	assert.Len(t, f.tags.published, 1)
	assert.Equal(t, 0, f.builder.calls)
	assert.Equal(t, 0, f.deployer.calls)
}

func TestRun_BuildFailureNoDeploy(t *testing.T) {
	f := newFixture()
	f.builder.err = errors.New("compile error")

	run, err := f.runner.RunFromHead(context.Background())
	require.Error(t, err)
	assert.Equal(t, StageBuild, run.Status.Stage)
	assert.Equal(t, 0, f.store.putCalls)
	assert.Equal(t, 0, f.deployer.calls)
}

func TestRun_SkipsUploadWhenArtifactAlreadyStored(t *testing.T) {
	f := newFixture()
	f.store.objects["abc123"] = build.Artifact{Key: "abc123", Size: 5, SHA256: "abc"}

	run, err := f.runner.RunFromHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, run.Status.StatusString)
	assert.False(t, run.Uploaded)
	assert.Equal(t, 0, f.store.putCalls)
	assert.Equal(t, "abc123.zip", run.Location.Key)
	assert.Equal(t, 1, f.deployer.calls)
}

func TestRun_DeployFailureSurfacesStage(t *testing.T) {
	f := newFixture()
	f.deployer.err = &deploy.EnvironmentUpdateError{Label: "abc123", Err: errors.New("operation in progress")}

	run, err := f.runner.RunFromHead(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, run.Status.StatusString)
	assert.Equal(t, StageDeploy, run.Status.Stage)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	var updateErr *deploy.EnvironmentUpdateError
	assert.True(t, errors.As(err, &updateErr))
	// The previous version keeps serving traffic.
	assert.Equal(t, "previous", f.deployer.liveLabel)
}

func TestRun_EmitsEventsForEveryStage(t *testing.T) {
	f := newFixture()

	_, err := f.runner.RunFromHead(context.Background())
	require.NoError(t, err)

	var types []string
	for _, e := range f.events.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		event.EventRunStarted,
		event.EventTagPush,
		event.EventRelease,
		event.EventBuild,
		event.EventUpload,
		event.EventDeploy,
		event.EventRunEnded,
	}, types)

	last := f.events.last()
	assert.Equal(t, event.LogLevelInfo, last.LogLevel)
	assert.Contains(t, last.Message, "succeeded")
}

func TestRun_UploadEventReportsSkippedUpload(t *testing.T) {
	f := newFixture()
	f.store.objects["abc123"] = build.Artifact{Key: "abc123", Size: 5, SHA256: "abc"}

	_, err := f.runner.RunFromHead(context.Background())
	require.NoError(t, err)

	var uploadMeta *event.UploadEventMetadata
	for _, e := range f.events.events {
		if e.Type == event.EventUpload {
			uploadMeta = e.Metadata.(*event.UploadEventMetadata)
		}
	}
	require.NotNil(t, uploadMeta)
	assert.False(t, uploadMeta.Uploaded)
	assert.Equal(t, "abc123.zip", uploadMeta.Key)
}

func TestRun_FailedRunEndedEventCarriesStage(t *testing.T) {
	f := newFixture()
	f.releases.err = errors.New("api down")

	run, err := f.runner.RunFromHead(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, run.Status.StatusString)

	// The terminal event must agree with the returned run: stage name
	// in the message, error level.
	last := f.events.last()
	assert.Equal(t, event.EventRunEnded, last.Type)
	assert.Equal(t, event.LogLevelError, last.LogLevel)
	assert.Contains(t, last.Message, "failed-at-stage(release)")
}

func TestRun_BreakingChangeGetsMajorBump(t *testing.T) {
	f := newFixture()
	f.source.head.Message = "feat!: rework config format"

	run, err := f.runner.RunFromHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2.0.0", run.Tag.String())
}
