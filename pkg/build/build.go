package build

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/shipcd/shipcd/pkg/git"
)

// Artifact is the deployable output of a build, keyed by the
// triggering commit's revision. It is immutable; a later commit
// supersedes it with a new Artifact under a new key.
type Artifact struct {
	Key    string
	Path   string
	Size   int64
	SHA256 string
}

// Builder turns a commit into a deployable artifact. The pipeline
// treats it as a black box: either a usable artifact comes back, or an
// error, and no deployment is attempted on error.
type Builder interface {
	Build(ctx context.Context, ref git.CommitRef) (Artifact, error)
}

// ExecBuilder runs a configured command in the working copy and picks
// up the bundle it produces.
type ExecBuilder struct {
	Dir     string
	Command []string
	Output  string // path of the produced bundle, relative to Dir
	Logger  log.Logger
}

func (b ExecBuilder) Build(ctx context.Context, ref git.CommitRef) (Artifact, error) {
	if len(b.Command) == 0 {
		return Artifact{}, errors.New("no build command configured")
	}

	c := exec.CommandContext(ctx, b.Command[0], b.Command[1:]...)
	c.Dir = b.Dir
	out := &bytes.Buffer{}
	c.Stdout = out
	c.Stderr = out

	b.Logger.Log("building", ref.Revision, "command", strings.Join(b.Command, " "))
	if err := c.Run(); err != nil {
		if msg := lastLine(out); msg != "" {
			err = fmt.Errorf("%s: %s", err.Error(), msg)
		}
		return Artifact{}, errors.Wrap(err, "build command failed")
	}

	bundle := filepath.Join(b.Dir, b.Output)
	info, err := os.Stat(bundle)
	if err != nil {
		return Artifact{}, errors.Wrapf(err, "build succeeded but bundle %s is missing", b.Output)
	}

	digest, err := fileSHA256(bundle)
	if err != nil {
		return Artifact{}, errors.Wrap(err, "hashing bundle")
	}

	return Artifact{
		Key:    ref.Revision,
		Path:   bundle,
		Size:   info.Size(),
		SHA256: digest,
	}, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func lastLine(buf *bytes.Buffer) string {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			last = sc.Text()
		}
	}
	return last
}
