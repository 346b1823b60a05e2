package session

import (
	"context"
	"strings"

	"warden/pkg/identity"
)

// ContextProvider reports the working context written alongside
// heartbeats.
type ContextProvider interface {
	Context(ctx context.Context) (map[string]string, error)
}

// GitContext reports the current branch and directory of a checkout.
type GitContext struct {
	Dir    string
	Runner identity.CommandRunner
}

// Context returns {"cwd": Dir, "branch": <current branch>}.
func (g GitContext) Context(ctx context.Context) (map[string]string, error) {
	runner := g.Runner
	if runner == nil {
		runner = identity.ExecCommandRunner{}
	}
	out, err := runner.Run(ctx, "git", "-C", g.Dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"cwd":    g.Dir,
		"branch": strings.TrimSpace(string(out)),
	}, nil
}
