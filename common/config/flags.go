package config

import (
	"github.com/spf13/pflag"
)

// ApplyFlags lets command-line flags override the environment for the handful of settings
// operators commonly tweak per process. Unset flags keep the env-derived values.
func (c *Config) ApplyFlags(args []string) error {
	fs := pflag.NewFlagSet(c.Service.Name, pflag.ContinueOnError)

	fs.IntVar(&c.Service.Port, "port", c.Service.Port, "HTTP listen port")
	fs.StringVar(&c.Service.LogLevel, "log-level", c.Service.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&c.Worker.Concurrency, "concurrency", c.Worker.Concurrency, "number of executor goroutines")
	fs.StringVar(&c.Worker.ScratchDir, "scratch-dir", c.Worker.ScratchDir, "root directory for per-job scratch space")
	fs.StringSliceVar(&c.Analyzer.RequiredArtifactTypes, "required-types", c.Analyzer.RequiredArtifactTypes, "artifact types every request must carry")

	if err := fs.Parse(args); err != nil {
		return err
	}

	return c.Validate()
}
