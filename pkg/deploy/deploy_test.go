package deploy

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/elasticbeanstalk"
	"github.com/go-kit/kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/shipcd/shipcd/pkg/retry"
	"github.com/shipcd/shipcd/pkg/store"
)

type fakePlatform struct {
	mu         sync.Mutex
	registered map[string]bool
	liveLabel  string
	updateErr  error

	registerCalls int
	updateCalls   int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{registered: map[string]bool{}, liveLabel: "previous"}
}

func (f *fakePlatform) CreateApplicationVersionWithContext(ctx aws.Context, in *elasticbeanstalk.CreateApplicationVersionInput, opts ...request.Option) (*elasticbeanstalk.ApplicationVersionDescriptionMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	label := *in.VersionLabel
	if f.registered[label] {
		return nil, awserr.New("InvalidParameterValue", "Application Version "+label+" already exists.", nil)
	}
	f.registered[label] = true
	return &elasticbeanstalk.ApplicationVersionDescriptionMessage{}, nil
}

func (f *fakePlatform) UpdateEnvironmentWithContext(ctx aws.Context, in *elasticbeanstalk.UpdateEnvironmentInput, opts ...request.Option) (*elasticbeanstalk.EnvironmentDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	label := *in.VersionLabel
	if !f.registered[label] {
		return nil, awserr.New("InvalidParameterValue", "No Application Version named '"+label+"' found.", nil)
	}
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.liveLabel = label
	return &elasticbeanstalk.EnvironmentDescription{VersionLabel: in.VersionLabel}, nil
}

func (f *fakePlatform) DescribeEnvironmentsWithContext(ctx aws.Context, in *elasticbeanstalk.DescribeEnvironmentsInput, opts ...request.Option) (*elasticbeanstalk.EnvironmentDescriptionsMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &elasticbeanstalk.EnvironmentDescriptionsMessage{
		Environments: []*elasticbeanstalk.EnvironmentDescription{
			{
				EnvironmentName: in.EnvironmentNames[0],
				VersionLabel:    aws.String(f.liveLabel),
			},
		},
	}, nil
}

func testReconciler(api platformAPI) *Reconciler {
	return &Reconciler{
		api:     api,
		limiter: rate.NewLimiter(rate.Inf, 1),
		retry:   retry.Policy{MaxAttempts: 2},
		clock:   clockwork.NewRealClock(),
		logger:  log.NewNopLogger(),
		locks:   map[Target]*sync.Mutex{},
		states:  map[Target]State{},
	}
}

func testTarget() Target {
	return Target{Application: "widget", Environment: "widget-prod"}
}

func testLocation() store.Location {
	return store.Location{Bucket: "artifacts", Key: "widget/abc123.zip"}
}

func TestReconcile_RegistersThenGoesLive(t *testing.T) {
	platform := newFakePlatform()
	r := testReconciler(platform)
	target := testTarget()

	require.NoError(t, r.Reconcile(context.Background(), target, "abc123", testLocation()))
	assert.Equal(t, StateLive, r.State(target))

	label, err := r.CurrentVersionLabel(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, "abc123", label)
}

func TestReconcile_RegistrationIdempotent(t *testing.T) {
	platform := newFakePlatform()
	r := testReconciler(platform)
	target := testTarget()

	require.NoError(t, r.Reconcile(context.Background(), target, "abc123", testLocation()))
	// Re-run for the same change: registration already exists, but the
	// run still succeeds and the environment update still proceeds.
	require.NoError(t, r.Reconcile(context.Background(), target, "abc123", testLocation()))
	assert.Equal(t, StateLive, r.State(target))
	assert.Equal(t, 2, platform.updateCalls)
}

func TestReconcile_UpdateFailureKeepsPreviousVersion(t *testing.T) {
	platform := newFakePlatform()
	platform.updateErr = errors.New("operation in progress")
	r := testReconciler(platform)
	target := testTarget()

	err := r.Reconcile(context.Background(), target, "abc123", testLocation())
	require.Error(t, err)

	var updateErr *EnvironmentUpdateError
	require.True(t, errors.As(err, &updateErr))
	assert.Contains(t, updateErr.Error(), "operation in progress")
	assert.Equal(t, StateFailedEnvironmentUpd, r.State(target))

	label, err := r.CurrentVersionLabel(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, "previous", label)
}

func TestReconcile_UpdateRejectedForUnregisteredLabel(t *testing.T) {
	platform := newFakePlatform()
	r := testReconciler(platform)

	// Drive the update directly against an unregistered label: the
	// platform rejects it and the error is surfaced, not masked.
	_, err := platform.UpdateEnvironmentWithContext(context.Background(), &elasticbeanstalk.UpdateEnvironmentInput{
		ApplicationName: aws.String("widget"),
		EnvironmentName: aws.String("widget-prod"),
		VersionLabel:    aws.String("never-registered"),
	})
	require.Error(t, err)

	label, lerr := r.CurrentVersionLabel(context.Background(), testTarget())
	require.NoError(t, lerr)
	assert.Equal(t, "previous", label)
}

func TestReconcile_SerializesPerTarget(t *testing.T) {
	platform := newFakePlatform()
	r := testReconciler(platform)
	target := testTarget()

	var wg sync.WaitGroup
	for _, label := range []string{"run-a", "run-b"} {
		wg.Add(1)
		go func(label string) {
			defer wg.Done()
			_ = r.Reconcile(context.Background(), target, label, testLocation())
		}(label)
	}
	wg.Wait()

	// Whichever run won, the final state is a clean Live transition,
	// not an interleaving.
	assert.Equal(t, StateLive, r.State(target))
	label, err := r.CurrentVersionLabel(context.Background(), target)
	require.NoError(t, err)
	assert.Contains(t, []string{"run-a", "run-b"}, label)
}
