package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/virtcore/hypervisor"
	"github.com/jbweber/virtcore/internal/describe"
	"github.com/jbweber/virtcore/internal/output"
)

// withProbe connects, runs fn and always disconnects.
func (a *app) withProbe(cmd *cobra.Command, fn func(ctx context.Context, pr *probe) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pr, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer pr.close(ctx, cmd.OutOrStdout(), a.settings.GetBool("metrics"))
	return fn(ctx, pr)
}

func (a *app) testConnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-conn",
		Short: "Test the daemon connection",
		Long:  `Test connectivity to the daemon and display version information.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			start := time.Now()
			return a.withProbe(cmd, func(ctx context.Context, pr *probe) error {
				_, _ = fmt.Fprintf(out, "✓ Connected to %s (%s driver) in %s\n", pr.profile.URI, pr.profile.Driver, elapsed(start))

				v, err := pr.sess.LibraryVersion()
				if err != nil {
					return fmt.Errorf("failed to get library version: %w", err)
				}
				_, _ = fmt.Fprintf(out, "✓ Library version: %s\n", v)

				hostname, err := pr.sess.Hostname()
				if err != nil {
					return fmt.Errorf("failed to get hostname: %w", err)
				}
				_, _ = fmt.Fprintf(out, "✓ Hostname: %s\n", hostname)

				uri, err := pr.sess.URI()
				if err != nil {
					return fmt.Errorf("failed to get URI: %w", err)
				}
				_, _ = fmt.Fprintf(out, "✓ Canonical URI: %s\n", uri)
				return nil
			})
		},
	}
}

func (a *app) hostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Show host information",
		Long:  `Show the daemon host's name, library version and hardware summary.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := a.formatter()
			if err != nil {
				return err
			}
			return a.withProbe(cmd, func(ctx context.Context, pr *probe) error {
				hostname, err := pr.sess.Hostname()
				if err != nil {
					return fmt.Errorf("failed to get hostname: %w", err)
				}
				uri, err := pr.sess.URI()
				if err != nil {
					return fmt.Errorf("failed to get URI: %w", err)
				}
				v, err := pr.sess.LibraryVersion()
				if err != nil {
					return fmt.Errorf("failed to get library version: %w", err)
				}
				node, err := pr.sess.NodeInfo()
				if err != nil {
					return fmt.Errorf("failed to get node info: %w", err)
				}

				result, err := formatter.FormatHost(output.NewHostSummary(hostname, uri, v, node))
				if err != nil {
					return fmt.Errorf("failed to format output: %w", err)
				}
				_, _ = fmt.Fprint(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
}

// summarize reads the identity and state of d.
func summarize(d *hypervisor.Domain) (output.DomainSummary, error) {
	name, err := d.Name()
	if err != nil {
		return output.DomainSummary{}, err
	}
	uuid, err := d.UUIDString()
	if err != nil {
		return output.DomainSummary{}, err
	}
	id, active, err := d.ID()
	if err != nil {
		return output.DomainSummary{}, err
	}
	info, err := d.Info()
	if err != nil {
		return output.DomainSummary{}, err
	}
	return output.NewDomainSummary(name, uuid, id, active, info), nil
}

func (a *app) listCmd() *cobra.Command {
	var active, inactive bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List domains",
		Long: `List the domains known to the daemon.

Shows id, name, state, vCPUs, memory and CPU time. Inactive domains have no id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := a.formatter()
			if err != nil {
				return err
			}

			var flags hypervisor.ListFlags
			if active {
				flags |= hypervisor.ListActive
			}
			if inactive {
				flags |= hypervisor.ListInactive
			}

			return a.withProbe(cmd, func(ctx context.Context, pr *probe) error {
				doms, err := pr.sess.ListAllDomains(flags)
				if err != nil {
					return fmt.Errorf("failed to list domains: %w", err)
				}
				defer func() {
					for _, d := range doms {
						_ = d.Free()
					}
				}()

				summaries := make([]output.DomainSummary, 0, len(doms))
				for _, d := range doms {
					s, err := summarize(d)
					if err != nil {
						return fmt.Errorf("failed to read domain: %w", err)
					}
					summaries = append(summaries, s)
				}

				result, err := formatter.FormatDomainList(summaries)
				if err != nil {
					return fmt.Errorf("failed to format output: %w", err)
				}
				_, _ = fmt.Fprint(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "only active domains")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "only inactive domains")
	return cmd
}

// lookup finds a domain by UUID, numeric id or name, in that order.
func lookup(ctx context.Context, s *hypervisor.Session, ref string) (*hypervisor.Domain, error) {
	if len(ref) == 36 && strings.Count(ref, "-") == 4 {
		return s.LookupByUUID(ctx, ref)
	}
	var id uint32
	if _, err := fmt.Sscanf(ref, "%d", &id); err == nil && fmt.Sprint(id) == ref {
		return s.LookupByID(ctx, id)
	}
	return s.LookupByName(ctx, ref)
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <domain>",
		Short: "Show one domain",
		Long:  `Show one domain, looked up by UUID, numeric id or name.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter, err := a.formatter()
			if err != nil {
				return err
			}
			return a.withProbe(cmd, func(ctx context.Context, pr *probe) error {
				d, err := lookup(ctx, pr.sess, args[0])
				if err != nil {
					return fmt.Errorf("failed to find domain %s: %w", args[0], err)
				}
				defer func() { _ = d.Free() }()

				s, err := summarize(d)
				if err != nil {
					return fmt.Errorf("failed to read domain: %w", err)
				}
				result, err := formatter.FormatDomain(s)
				if err != nil {
					return fmt.Errorf("failed to format output: %w", err)
				}
				_, _ = fmt.Fprint(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
}

func (a *app) xmlCmd() *cobra.Command {
	var inactive, secure bool

	cmd := &cobra.Command{
		Use:   "xml <domain>",
		Short: "Print a domain description",
		Long: `Print the description of one domain as reported by the daemon.

--inactive selects the persistent configuration; --secure includes secrets
and needs a read-write connection.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var flags hypervisor.XMLFlags
			if inactive {
				flags |= hypervisor.XMLInactive
			}
			if secure {
				flags |= hypervisor.XMLSecure
			}
			return a.withProbe(cmd, func(ctx context.Context, pr *probe) error {
				d, err := lookup(ctx, pr.sess, args[0])
				if err != nil {
					return fmt.Errorf("failed to find domain %s: %w", args[0], err)
				}
				defer func() { _ = d.Free() }()

				xml, err := d.XMLDescription(flags)
				if err != nil {
					return fmt.Errorf("failed to describe domain: %w", err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(xml, "\n"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&inactive, "inactive", false, "show the persistent configuration")
	cmd.Flags().BoolVar(&secure, "secure", false, "include secrets")
	return cmd
}

func (a *app) smokeCmd() *cobra.Command {
	var (
		spec    describe.Spec
		domType string
	)

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Start and stop a throwaway domain",
		Long: `Start a transient domain, read it back and shut it down.

The domain is created with auto-destroy, so the daemon removes it when the
connection closes even if the shutdown request is ignored. Use --type test
with the test:///default URI to exercise a daemon without a hypervisor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if spec.Name == "" {
				spec.Name = fmt.Sprintf("virtprobe-%d", time.Now().Unix())
			}
			return a.withProbe(cmd, func(ctx context.Context, pr *probe) error {
				if pr.profile.ReadOnly {
					return errors.New("smoke needs a read-write connection")
				}
				spec.Type = domType
				if spec.Type == "" && strings.HasPrefix(pr.profile.URI, "test") {
					spec.Type = "test"
				}

				xml, err := describe.Domain(spec)
				if err != nil {
					return err
				}
				pr.log.V(1).Info("creating smoke domain", "name", spec.Name, "type", spec.Type, "bridge", spec.Bridge, "ip", spec.IP)

				start := time.Now()
				d, err := pr.sess.CreateFromDescription(xml, hypervisor.StartAutodestroy)
				if err != nil {
					return fmt.Errorf("failed to create domain: %w", err)
				}
				defer func() { _ = d.Free() }()
				_, _ = fmt.Fprintf(out, "✓ Created %s in %s\n", spec.Name, elapsed(start))

				s, err := summarize(d)
				if err != nil {
					return fmt.Errorf("failed to read domain: %w", err)
				}
				_, _ = fmt.Fprintf(out, "✓ State: %s, %d vCPU(s), uuid %s\n", s.State, s.VCPUs, s.UUID)

				if err := d.Shutdown(hypervisor.ShutdownDefault); err != nil {
					return fmt.Errorf("failed to shut down domain: %w", err)
				}
				_, _ = fmt.Fprintln(out, "✓ Shutdown requested")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "domain name (default: virtprobe-<unix time>)")
	cmd.Flags().StringVar(&spec.UUID, "uuid", "", "domain UUID (default: assigned by the daemon)")
	cmd.Flags().StringVar(&domType, "type", "", "hypervisor type (default: test for test:// URIs, kvm otherwise)")
	cmd.Flags().UintVar(&spec.MemoryMiB, "memory", describe.DefaultMemoryMiB, "memory in MiB")
	cmd.Flags().UintVar(&spec.VCPUs, "vcpus", 1, "virtual CPUs")
	cmd.Flags().StringVar(&spec.Arch, "arch", describe.DefaultArch, "guest architecture")
	cmd.Flags().StringVar(&spec.Disk, "disk", "", "qcow2 image attached as vda")
	cmd.Flags().StringVar(&spec.Bridge, "bridge", "", "bridge for a virtio interface (requires --ip)")
	cmd.Flags().StringVar(&spec.IP, "ip", "", "IPv4 address the interface MAC and tap name derive from")
	return cmd
}
