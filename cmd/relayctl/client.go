package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/msgrelay/internal/api"
	"github.com/matheus3301/msgrelay/internal/lock"
	"github.com/matheus3301/msgrelay/internal/profile"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const callTimeout = 30 * time.Second

type globals struct {
	profile string
	json    bool
}

// run resolves the profile, connects to its daemon and calls fn.
func (g *globals) run(fn func(ctx context.Context, c *api.Client) error) error {
	name := profile.Resolve(g.profile)
	if err := profile.ValidateName(name); err != nil {
		return err
	}

	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	err = fn(ctx, c)
	if status.Code(err) == codes.Unavailable {
		return notRunning(name, err)
	}
	return err
}

func notRunning(name string, cause error) error {
	pid, ownerErr := lock.Owner(profile.Dir(name))
	switch {
	case ownerErr != nil:
		return fmt.Errorf("daemon for profile %q unreachable: %w", name, errors.Join(cause, ownerErr))
	case pid > 0:
		return fmt.Errorf("daemon for profile %q (pid %d) is not answering on %s", name, pid, profile.SocketPath(name))
	}
	return fmt.Errorf("daemon not running for profile %q (start it with: relayd --profile %s)", name, name)
}
