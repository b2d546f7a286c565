// Command virtprobe is a diagnostic harness for the virtcore client: it
// connects to a daemon, reports what it sees and runs a small smoke test.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbweber/virtcore/internal/config"
	"github.com/jbweber/virtcore/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the settings shared by every subcommand.
type app struct {
	settings *viper.Viper
	log      logr.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{settings: viper.New(), log: logr.Discard()}

	rootCmd := &cobra.Command{
		Use:   "virtprobe",
		Short: "virtprobe - hypervisor connection diagnostics",
		Long: `virtprobe connects to a hypervisor management daemon and reports what it sees.

It is a smoke-test harness for the virtcore library: every command opens a
session, runs a handful of read-only queries and closes it again. Only the
smoke command creates anything, and what it creates is destroyed on exit.

Settings come from flags, VIRTPROBE_* environment variables or a profile file
(--config), in that order of precedence.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := output.ValidateFormat(a.settings.GetString("output")); err != nil {
				return err
			}
			a.log = newLogger(a.settings.GetInt("verbosity"))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "profile file (YAML)")
	flags.String("profile", "", "profile name in the profile file (default: the file's default)")
	flags.String("uri", "", "connection URI (default: qemu:///system)")
	flags.String("driver", "", "backend: rpc, native or fake (default: rpc)")
	flags.String("username", "", "username for authenticated transports")
	flags.Bool("read-only", false, "open a read-only connection")
	flags.Duration("timeout", 0, "dial timeout (default: 5s)")
	flags.Int("workers", 0, "dispatcher worker threads (default: 4)")
	flags.StringP("output", "o", string(output.FormatTable), "output format: table, yaml or json")
	flags.Bool("no-headers", false, "omit table headers")
	flags.Bool("metrics", false, "print dispatcher metrics on exit")
	flags.IntP("verbosity", "v", 0, "log verbosity")

	a.settings.SetEnvPrefix("VIRTPROBE")
	a.settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.settings.AutomaticEnv()
	_ = a.settings.BindPFlags(flags)
	_ = a.settings.BindEnv("password")

	rootCmd.AddCommand(
		a.testConnCmd(),
		a.hostCmd(),
		a.listCmd(),
		a.infoCmd(),
		a.xmlCmd(),
		a.smokeCmd(),
		a.profilesCmd(),
	)
	return rootCmd
}

// newLogger logs through the standard logger. Verbosity 1 traces every
// driver call.
func newLogger(verbosity int) logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			log.Printf("%s: %s", prefix, args)
			return
		}
		log.Print(args)
	}, funcr.Options{Verbosity: verbosity})
}

// profile resolves the connection profile from the profile file and
// overrides it with flags and environment.
func (a *app) profile() (*config.Profile, *config.File, error) {
	var (
		file *config.File
		p    config.Profile
	)
	if path := a.settings.GetString("config"); path != "" {
		f, err := config.LoadFromFile(path)
		if err != nil {
			return nil, nil, err
		}
		selected, err := f.Profile(a.settings.GetString("profile"))
		if err != nil {
			return nil, nil, err
		}
		file, p = f, *selected
	} else {
		p = config.Profile{Name: "cli", URI: "qemu:///system"}
	}

	if v := a.settings.GetString("uri"); v != "" {
		p.URI = v
	}
	if v := a.settings.GetString("driver"); v != "" {
		p.Driver = v
	}
	if v := a.settings.GetString("username"); v != "" {
		p.Username = v
	}
	if v := a.settings.GetString("password"); v != "" {
		p.Password = v
	}
	if a.settings.GetBool("read-only") {
		p.ReadOnly = true
	}
	if v := a.settings.GetDuration("timeout"); v > 0 {
		p.Timeout = v
	}

	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid connection settings: %w", err)
	}
	return &p, file, nil
}

func (a *app) formatter() (output.Formatter, error) {
	return output.NewFormatter(output.Options{
		Format:    output.Format(a.settings.GetString("output")),
		NoHeaders: a.settings.GetBool("no-headers"),
	})
}

func elapsed(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
