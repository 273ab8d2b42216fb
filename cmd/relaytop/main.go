package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/msgrelay/internal/api"
	"github.com/matheus3301/msgrelay/internal/dashboard"
	"github.com/matheus3301/msgrelay/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if !probeDaemon(c) {
		fmt.Fprintf(os.Stderr, "daemon not running for profile %q (start it with: relayd --profile %s)\n", name, name)
		os.Exit(1)
	}

	if err := dashboard.NewApp(c, name).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// probeDaemon checks the daemon answers a status call.
func probeDaemon(c *api.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Status(ctx)
	return err == nil
}
