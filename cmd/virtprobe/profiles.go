package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jbweber/virtcore/internal/config"
)

func (a *app) profilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage the profile file",
		Long:  `List or add connection profiles in the file given by --config.`,
	}
	cmd.AddCommand(a.profilesListCmd(), a.profilesAddCmd())
	return cmd
}

// configPath returns the --config path, which profile management requires.
func (a *app) configPath() (string, error) {
	path := a.settings.GetString("config")
	if path == "" {
		return "", errors.New("--config is required")
	}
	return path, nil
}

func (a *app) profilesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Long:  `List the profiles in the profile file. The default profile is marked with *.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configPath()
			if err != nil {
				return err
			}
			f, err := config.LoadFromFile(path)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if !a.settings.GetBool("no-headers") {
				_, _ = fmt.Fprintln(w, "\tNAME\tURI\tDRIVER")
			}
			for _, name := range f.Names() {
				p, err := f.Profile(name)
				if err != nil {
					return err
				}
				mark := ""
				if name == f.Default {
					mark = "*"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mark, p.Name, p.URI, p.Driver)
			}
			return w.Flush()
		},
	}
}

func (a *app) profilesAddCmd() *cobra.Command {
	var (
		passwordFile string
		makeDefault  bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a profile",
		Long: `Add a profile to the profile file, creating the file if needed.

The connection settings come from the global flags (--uri, --driver,
--username, --read-only, --timeout). Passwords are never written; use
--password-file to reference one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configPath()
			if err != nil {
				return err
			}

			f := &config.File{}
			if _, err := os.Stat(path); err == nil {
				if f, err = config.LoadFromFile(path); err != nil {
					return err
				}
			} else if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to stat config file: %w", err)
			}

			p := config.Profile{
				Name:         args[0],
				URI:          a.settings.GetString("uri"),
				Driver:       a.settings.GetString("driver"),
				Username:     a.settings.GetString("username"),
				PasswordFile: passwordFile,
				ReadOnly:     a.settings.GetBool("read-only"),
				Timeout:      a.settings.GetDuration("timeout"),
			}
			f.Profiles = append(f.Profiles, p)
			if makeDefault {
				f.Default = p.Name
			}

			f.Normalize()
			if err := f.Validate(); err != nil {
				return fmt.Errorf("invalid profile: %w", err)
			}
			if err := config.SaveToFile(f, path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Added profile %s to %s\n", args[0], path)
			return nil
		},
	}
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "file holding the password")
	cmd.Flags().BoolVar(&makeDefault, "default", false, "make this the default profile")
	return cmd
}
