package deploy

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/elasticbeanstalk"
	"github.com/go-kit/kit/log"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/shipcd/shipcd/pkg/retry"
	"github.com/shipcd/shipcd/pkg/store"
)

// Target is the platform-managed environment being reconciled. The
// platform owns the environment's current version label; we only read
// it and conditionally move it forward.
type Target struct {
	Application string
	Environment string
}

// State of a target, as far as the reconciler has driven it. These are
// given below in expected order; Failed is reachable from any
// non-terminal state.
type State string

const (
	StateIdle                 State = "Idle"
	StateVersionRegistering   State = "VersionRegistering"
	StateVersionRegistered    State = "VersionRegistered"
	StateEnvironmentUpdating  State = "EnvironmentUpdating"
	StateLive                 State = "Live"
	StateFailedRegistration   State = "Failed(registration)"
	StateFailedEnvironmentUpd State = "Failed(environment-update)"
)

// platformAPI is the slice of the Elastic Beanstalk client we consume;
// *elasticbeanstalk.ElasticBeanstalk satisfies it.
type platformAPI interface {
	CreateApplicationVersionWithContext(aws.Context, *elasticbeanstalk.CreateApplicationVersionInput, ...request.Option) (*elasticbeanstalk.ApplicationVersionDescriptionMessage, error)
	UpdateEnvironmentWithContext(aws.Context, *elasticbeanstalk.UpdateEnvironmentInput, ...request.Option) (*elasticbeanstalk.EnvironmentDescription, error)
	DescribeEnvironmentsWithContext(aws.Context, *elasticbeanstalk.DescribeEnvironmentsInput, ...request.Option) (*elasticbeanstalk.EnvironmentDescriptionsMessage, error)
}

// Reconciler registers application versions with the platform and
// moves environments onto them. Reconciliations for the same target
// are serialized by a per-target lock held over the whole
// registration+update sequence, so the live-version transition never
// interleaves two runs.
type Reconciler struct {
	api     platformAPI
	limiter *rate.Limiter
	retry   retry.Policy
	clock   clockwork.Clock
	logger  log.Logger

	mu     sync.Mutex
	locks  map[Target]*sync.Mutex
	states map[Target]State
}

func NewReconciler(sess *session.Session, policy retry.Policy, logger log.Logger) *Reconciler {
	return &Reconciler{
		api: elasticbeanstalk.New(sess),
		// Beanstalk control-plane calls are throttled hard; stay well
		// inside the account limit.
		limiter: rate.NewLimiter(rate.Limit(2), 4),
		retry:   policy,
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		locks:   map[Target]*sync.Mutex{},
		states:  map[Target]State{},
	}
}

// State reports how far the reconciler last drove the target.
func (r *Reconciler) State(target Target) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[target]; ok {
		return s
	}
	return StateIdle
}

func (r *Reconciler) setState(target Target, s State) {
	r.mu.Lock()
	r.states[target] = s
	r.mu.Unlock()
}

func (r *Reconciler) lockFor(target Target) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[target]
	if !ok {
		l = &sync.Mutex{}
		r.locks[target] = l
	}
	return l
}

// CurrentVersionLabel reads what the platform says is live. It is the
// single source of truth; the reconciler never caches it.
func (r *Reconciler) CurrentVersionLabel(ctx context.Context, target Target) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	out, err := r.api.DescribeEnvironmentsWithContext(ctx, &elasticbeanstalk.DescribeEnvironmentsInput{
		ApplicationName:  aws.String(target.Application),
		EnvironmentNames: []*string{aws.String(target.Environment)},
	})
	if err != nil {
		return "", err
	}
	for _, env := range out.Environments {
		if env.EnvironmentName != nil && *env.EnvironmentName == target.Environment {
			return aws.StringValue(env.VersionLabel), nil
		}
	}
	return "", nil
}

// Reconcile registers versionLabel for the target's application with
// the artifact at loc as its source bundle, then updates the
// environment to run it. Registration is idempotent: a label that
// already exists is success, which is what makes re-running after a
// partial failure safe. The environment update is only issued once
// registration has succeeded for the same label. Platform errors are
// surfaced verbatim, and on failure the environment keeps serving the
// previous version; recovery is a manual rerun, not a rollback.
func (r *Reconciler) Reconcile(ctx context.Context, target Target, versionLabel string, loc store.Location) error {
	lock := r.lockFor(target)
	lock.Lock()
	defer lock.Unlock()

	r.setState(target, StateVersionRegistering)
	err := retry.Do(ctx, r.retry, r.clock, r.logger, "register version", func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := r.api.CreateApplicationVersionWithContext(ctx, &elasticbeanstalk.CreateApplicationVersionInput{
			ApplicationName: aws.String(target.Application),
			VersionLabel:    aws.String(versionLabel),
			SourceBundle: &elasticbeanstalk.S3Location{
				S3Bucket: aws.String(loc.Bucket),
				S3Key:    aws.String(loc.Key),
			},
		})
		if isAlreadyRegistered(err) {
			r.logger.Log("version", versionLabel, "registered", "already")
			return nil
		}
		return err
	})
	if err != nil {
		r.setState(target, StateFailedRegistration)
		return &RegistrationError{Label: versionLabel, Err: err}
	}
	r.setState(target, StateVersionRegistered)

	r.setState(target, StateEnvironmentUpdating)
	err = retry.Do(ctx, r.retry, r.clock, r.logger, "update environment", func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := r.api.UpdateEnvironmentWithContext(ctx, &elasticbeanstalk.UpdateEnvironmentInput{
			ApplicationName: aws.String(target.Application),
			EnvironmentName: aws.String(target.Environment),
			VersionLabel:    aws.String(versionLabel),
		})
		return err
	})
	if err != nil {
		r.setState(target, StateFailedEnvironmentUpd)
		return &EnvironmentUpdateError{Label: versionLabel, Err: err}
	}
	r.setState(target, StateLive)
	r.logger.Log("environment", target.Environment, "live", versionLabel)
	return nil
}

// The platform reports a duplicate label as a parameter error; that is
// the idempotence we want, not a failure.
func isAlreadyRegistered(err error) bool {
	if err == nil {
		return false
	}
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == "InvalidParameterValue" && strings.Contains(aerr.Message(), "already exists")
	}
	return false
}
