package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
)

// These are all the types of events.
const (
	EventTagPush    = "tag_push"
	EventRelease    = "release"
	EventBuild      = "build"
	EventUpload     = "upload"
	EventDeploy     = "deploy"
	EventRunStarted = "run_started"
	EventRunEnded   = "run_ended"

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Event is one thing that happened during a pipeline run. Events are
// records for humans and the audit trail; nothing in the pipeline's
// control flow depends on them being delivered.
type Event struct {
	// Type is one of the Event* constants above.
	Type string `json:"type"`

	// Revision of the commit the run was triggered by.
	Revision string `json:"revision"`

	// StartedAt is the time the event began.
	StartedAt time.Time `json:"startedAt"`

	// EndedAt is the time the event ended. For instantaneous events,
	// this will be the same as StartedAt.
	EndedAt time.Time `json:"endedAt"`

	// LogLevel for this event. Used to indicate how important it is.
	// `debug|info|warn|error`
	LogLevel string `json:"logLevel"`

	// Message is a pre-formatted string describing the event, e.g.,
	// "published tag v1.4.2".
	Message string `json:"message,omitempty"`

	// Metadata is Event.Type-specific metadata. If an event has no
	// metadata, this will be nil.
	Metadata EventMetadata `json:"metadata,omitempty"`
}

func (e Event) String() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s for %s", e.Type, shortRevision(e.Revision))
}

func shortRevision(rev string) string {
	if len(rev) <= 7 {
		return rev
	}
	return rev[:7]
}

// EventMetadata carries Event.Type-specific details; consumers cast to
// the specific metadata type.
type EventMetadata interface {
	Type() string
}

// TagPushEventMetadata is the metadata for when a version tag is
// published.
type TagPushEventMetadata struct {
	Tag string `json:"tag"`
}

func (TagPushEventMetadata) Type() string { return EventTagPush }

// ReleaseEventMetadata is the metadata for when a release record is
// ensured for a tag.
type ReleaseEventMetadata struct {
	Tag     string `json:"tag"`
	Created bool   `json:"created"`
}

func (ReleaseEventMetadata) Type() string { return EventRelease }

// BuildEventMetadata is the metadata for when an artifact has been
// built and hashed.
type BuildEventMetadata struct {
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

func (BuildEventMetadata) Type() string { return EventBuild }

// UploadEventMetadata is the metadata for when an artifact is stored.
// Uploaded is false when a byte-identical artifact was already there
// and the upload was skipped.
type UploadEventMetadata struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Uploaded bool   `json:"uploaded"`
}

func (UploadEventMetadata) Type() string { return EventUpload }

// DeployEventMetadata is the metadata for when an environment is
// updated to a new version label.
type DeployEventMetadata struct {
	Application  string `json:"application"`
	Environment  string `json:"environment"`
	VersionLabel string `json:"versionLabel"`
}

func (DeployEventMetadata) Type() string { return EventDeploy }

// Writer is where events get recorded.
type Writer interface {
	// LogEvent records an event in the history.
	LogEvent(Event) error
}

// LogWriter writes events to a go-kit logger, one logfmt line each.
type LogWriter struct {
	Logger log.Logger
}

func (w LogWriter) LogEvent(e Event) error {
	keyvals := []interface{}{"event", e.Type, "revision", e.Revision, "msg", e.String()}
	if e.Metadata != nil {
		if b, err := json.Marshal(e.Metadata); err == nil {
			keyvals = append(keyvals, "metadata", string(b))
		}
	}
	return w.Logger.Log(keyvals...)
}
