package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shipcd/shipcd/pkg/config"
	"github.com/shipcd/shipcd/pkg/git"
	shipmetrics "github.com/shipcd/shipcd/pkg/metrics"
)

// PushEvent is the push payload delivered by the hosting platform's
// webhook. Only the fields the intake needs are modeled.
type PushEvent struct {
	// Ref is the full ref that was pushed, e.g. "refs/heads/main" or
	// "refs/tags/v1.0.0".
	Ref string `json:"ref"`
	// After is the head revision after the push; all zeros for a
	// branch deletion.
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	HeadCommit struct {
		Message string `json:"message"`
	} `json:"head_commit"`
}

const zeroRevision = "0000000000000000000000000000000000000000"

// NewRouter names the daemon's routes.
func NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.NewRoute().Name("NotifyPush").Methods("POST").Path("/api/notify/push")
	r.NewRoute().Name("Health").Methods("GET").Path("/api/health")
	return r
}

// NewHandler attaches the daemon to the router's routes.
func NewHandler(d *Daemon, cfg config.Config, r *mux.Router) http.Handler {
	s := HTTPServer{daemon: d, config: cfg}
	r.Get("NotifyPush").HandlerFunc(instrument("NotifyPush", s.NotifyPush))
	r.Get("Health").HandlerFunc(instrument("Health", s.Health))
	return r
}

type HTTPServer struct {
	daemon *Daemon
	config config.Config
}

// NotifyPush accepts a push event and, if it is for the mainline
// branch, queues a pipeline run. Tag pushes are dropped here on
// purpose: the pipeline pushes tags itself, and an automated
// identity's pushes cannot be relied on to come back around as events
// anyway. Every downstream stage is reached by direct invocation
// within the run instead.
func (s HTTPServer) NotifyPush(w http.ResponseWriter, r *http.Request) {
	var ev PushEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "decoding push event: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ev.Deleted || ev.After == "" || ev.After == zeroRevision {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("ignored: deletion\n"))
		return
	}
	if !s.config.MatchesMainline(ev.Ref) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("ignored: not mainline\n"))
		return
	}

	s.daemon.Queue.Enqueue(&Trigger{
		Ref:        git.CommitRef{Revision: ev.After, Message: ev.HeadCommit.Message},
		Branch:     ev.Ref,
		ReceivedAt: time.Now(),
	})
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("queued\n"))
}

func (s HTTPServer) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

func instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		h(w, r)
		requestDuration.With(
			shipmetrics.LabelMethod, r.Method,
			shipmetrics.LabelRoute, route,
		).Observe(time.Since(begin).Seconds())
	}
}
