package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/shipcd/shipcd/pkg/git"
	"github.com/shipcd/shipcd/pkg/pipeline"
)

const defaultRunTimeout = 15 * time.Minute

// Runner executes one pipeline run; satisfied by *pipeline.Runner.
type Runner interface {
	Run(ctx context.Context, ref git.CommitRef) (pipeline.Run, error)
}

// Refresher brings the local working copy up to date before a run;
// satisfied by *git.Repo.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Daemon ties the push intake to the pipeline: accepted triggers are
// queued, and a single worker runs them one at a time. One run at a
// time per process; the deploy reconciler's per-target lock covers
// anything else sharing the target.
type Daemon struct {
	Runner     Runner
	Repo       Refresher
	Queue      *Queue
	RunTimeout time.Duration
	Logger     log.Logger
}

// Loop dequeues triggers and runs the pipeline for each until stop is
// closed.
func (d *Daemon) Loop(stop chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-stop:
			d.Logger.Log("stopping", "true")
			return
		case trig := <-d.Queue.Ready():
			d.handle(trig)
		}
	}
}

func (d *Daemon) handle(trig *Trigger) {
	queueDuration.Observe(time.Since(trig.ReceivedAt).Seconds())

	timeout := d.RunTimeout
	if timeout == 0 {
		timeout = defaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if d.Repo != nil {
		if err := d.Repo.Refresh(ctx); err != nil {
			d.Logger.Log("revision", trig.Ref.Revision, "err", err)
			return
		}
	}

	run, err := d.Runner.Run(ctx, trig.Ref)
	if err != nil {
		d.Logger.Log("revision", trig.Ref.Revision, "status", run.Status.String(), "err", err)
		return
	}
	d.Logger.Log("revision", trig.Ref.Revision, "status", run.Status.String())
}
