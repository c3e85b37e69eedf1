package config

import (
	"flag"
	"io"
	"strings"

	"github.com/dmitrijs2005/briefsync/internal/flagx"
)

var knownFlags = []string{"-s", "-t", "-g", "-r", "-k", "-b", "-w", "-p", "-l"}

// parseFlags populates selected Config fields from command-line flags.
// Arguments other than the known flags are ignored so the config file
// flag and REPL arguments can share the command line.
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, knownFlags)

	fs := flag.NewFlagSet("briefsync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ServerURL, "s", cfg.ServerURL, "server url of the repository service")
	fs.StringVar(&cfg.Transport, "t", cfg.Transport, "transport: http or grpc")
	fs.StringVar(&cfg.GRPCAddress, "g", cfg.GRPCAddress, "grpc address (host:port)")
	fs.StringVar(&cfg.RepositoryID, "r", cfg.RepositoryID, "repository id")
	fs.StringVar(&cfg.AccessToken, "k", cfg.AccessToken, "access token")
	fs.StringVar(&cfg.BriefcasePath, "b", cfg.BriefcasePath, "briefcase path")
	fs.StringVar(&cfg.WorkDir, "w", cfg.WorkDir, "working directory for downloads")
	fs.BoolVar(&cfg.Prefetch.Enabled, "p", cfg.Prefetch.Enabled, "enable revision prefetch")
	fs.StringVar(&cfg.Logging.Level, "l", cfg.Logging.Level, "log level")

	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.Transport = strings.ToLower(cfg.Transport)
	return nil
}
