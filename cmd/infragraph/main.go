// infragraph – deployment graph compiler
//
// Usage:
//
//	infragraph synth <manifest>     – compile a deployment and write its template
//	infragraph plan  <manifest>     – show the build plan and declaration order
//	infragraph rules <csv>...       – compile inbound-rule files and print them
//	infragraph doctor [manifest]    – check prerequisites
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/h3ow3d/infragraph/internal/config"
	"github.com/h3ow3d/infragraph/internal/doctor"
	"github.com/h3ow3d/infragraph/internal/log"
	"github.com/h3ow3d/infragraph/internal/manifest"
	"github.com/h3ow3d/infragraph/internal/rules"
	"github.com/h3ow3d/infragraph/internal/stack"
	"github.com/h3ow3d/infragraph/internal/xdg"
)

func main() {
	var level string
	root := &cobra.Command{
		Use:   "infragraph",
		Short: "Deployment graph compiler",
		Long: `infragraph – compile a deployment manifest and its inbound-rule files into
a resource graph (network, container service, delivery pipeline) and
synthesize it as a template for the apply engine.

The target account and region are read from ACCOUNT_ID and REGION.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx, err := log.NewContext(cmd.Context(), os.Stderr, level)
			if err != nil {
				return err
			}
			cmd.SetContext(ctx)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(synthCmd(), planCmd(), rulesCmd(), doctorCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

// compile loads the environment and the manifest at path and compiles it.
func compile(ctx context.Context, path string, opts stack.Options) (*stack.Snapshot, error) {
	env, err := config.Load()
	if err != nil {
		return nil, err
	}
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	return stack.Compile(ctx, env, m, opts)
}

// ── synth ─────────────────────────────────────────────────────────────────────

func synthCmd() *cobra.Command {
	var (
		out    string
		format string
		strict bool
		stdout bool
	)
	cmd := &cobra.Command{
		Use:   "synth <manifest>",
		Short: "Compile a deployment and write its template",
		Long: `Compiles the manifest and writes the template together with the deploy
templates (appspec.yml, taskdef.json) when the deployment has a pipeline.

Output goes to $XDG_STATE_HOME/infragraph/out/<name> unless --out is set.
Nothing is written when compilation fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := stack.ParseFormat(format)
			if err != nil {
				return err
			}
			snap, err := compile(cmd.Context(), args[0], stack.Options{StrictRuleKinds: strict})
			if err != nil {
				return err
			}
			if stdout {
				return stack.Encode(cmd.OutOrStdout(), stack.Synthesize(snap), f)
			}

			if out == "" {
				out = xdg.Default().OutDir(snap.Name)
			}
			paths, err := stack.WriteArtifacts(out, snap, f)
			if err != nil {
				return err
			}
			for _, p := range paths {
				log.Ok("wrote " + p)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory")
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "template format (yaml, json)")
	cmd.Flags().BoolVar(&strict, "strict-rule-kinds", false, "reject unknown rule kinds instead of reading them as CIDR rules")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the template to stdout instead of writing files")
	return cmd
}

// ── plan ──────────────────────────────────────────────────────────────────────

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <manifest>",
		Short: "Show the build plan and declaration order",
		Long: `Compiles the manifest without writing anything and prints the build steps
in the order they ran, followed by every declared resource in dependency
order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := compile(cmd.Context(), args[0], stack.Options{})
			if err != nil {
				return err
			}
			log.Info("steps: " + strings.Join(snap.Order, " → "))

			order, err := snap.Graph.Order()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, name := range order {
				n, _ := snap.Graph.Node(name)
				fmt.Fprintf(w, "  %-40s %s\n", n.Name, n.Kind)
			}
			log.Ok(fmt.Sprintf("%d resources", len(order)))
			return nil
		},
	}
}

// ── rules ─────────────────────────────────────────────────────────────────────

func rulesCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "rules <csv>...",
		Short: "Compile inbound-rule files and print them",
		Long: `Loads each file as inbound rules (kind, peer, description, port) and
prints the ingress rules they compile to, in file order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := rules.Loader{Strict: strict}
			ag := rules.NewAccessGroup("rules", strings.Join(args, ", "))
			for _, path := range args {
				if err := rules.Compile(ag, loader.Rows(path)); err != nil {
					return err
				}
			}
			ag.Freeze()

			w := cmd.OutOrStdout()
			for _, r := range ag.Rules() {
				fmt.Fprintf(w, "  tcp/%-5d %-32s %s\n", r.Port, r.Peer, r.Description)
			}
			log.Ok(fmt.Sprintf("%d ingress rules", len(ag.Rules())))
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict-rule-kinds", false, "reject unknown rule kinds instead of reading them as CIDR rules")
	return cmd
}

// ── doctor ────────────────────────────────────────────────────────────────────

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor [manifest]",
		Short: "Check prerequisites",
		Long: `Checks the environment inputs, the output directory and, when a manifest
is given, that it validates and that every rule file parses.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			results := doctor.Run(xdg.Default(), path)
			for _, r := range results {
				if r.OK {
					log.Ok(fmt.Sprintf("%s: %s", r.Name, r.Message))
					continue
				}
				log.Error(fmt.Sprintf("%s: %s", r.Name, r.Message))
				for _, line := range strings.Split(r.HowToFix, "\n") {
					log.Skip(line)
				}
			}
			if doctor.Failed(results) {
				return errors.New("one or more checks failed")
			}
			return nil
		},
	}
}
