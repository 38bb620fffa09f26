package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/util"
	"github.com/emiliopalmerini/mbandit/internal/web"
)

func newExperimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Manage experiments",
		Long:    `Create, inspect, activate and delete experiments.`,
	}
	cmd.AddCommand(
		newExperimentCreateCmd(),
		newExperimentListCmd(),
		newExperimentShowCmd(),
		newExperimentDeleteCmd(),
		newExperimentActivateCmd(true),
		newExperimentActivateCmd(false),
		newExperimentObservationsCmd(),
		newExperimentCompareCmd(),
	)
	return cmd
}

func newExperimentCreateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create -f <spec>",
		Short: "Create an experiment from a YAML or JSON spec",
		Long: `Create an experiment from a spec file. Files ending in .json are read
as JSON, anything else as YAML. Use "-f -" to read YAML from stdin.

Example spec:
  name: headline
  method: mab
  reward_type: binary
  prior_type: beta
  sticky_assignment: true
  auto_fail: {value: 24, unit: hours}
  arms:
    - {name: A, alpha_init: 1, beta_init: 1}
    - {name: B, alpha_init: 1, beta_init: 1}

Examples:
  mbandit experiment create -f headline.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readSpec(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			exp, err := a.Engine.CreateExperiment(cmd.Context(), *spec)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), web.NewExperimentView(exp))
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Spec file (YAML or JSON, - for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readSpec(stdin io.Reader, file string) (*domain.ExperimentSpec, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read spec: %w", err)
	}

	var spec domain.ExperimentSpec
	if strings.EqualFold(filepath.Ext(file), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&spec)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&spec)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse spec %s: %w", file, err)
	}
	return &spec, nil
}

func newExperimentListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all experiments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			exps, err := a.Engine.ListExperiments(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				views := make([]web.ExperimentView, 0, len(exps))
				for _, e := range exps {
					views = append(views, web.NewExperimentView(e))
				}
				return printJSON(out, views)
			}

			if len(exps) == 0 {
				fmt.Fprintln(out, "No experiments found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMETHOD\tPRIOR\tARMS\tTRIALS\tSTATUS\tCREATED")
			for _, e := range exps {
				status := "inactive"
				if e.IsActive {
					status = "active"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					e.ID, e.Name, e.Method, e.PriorType, len(e.Arms),
					util.FormatNumber(e.NTrials), status,
					util.FormatDateTime(e.CreatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newExperimentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an experiment with its arm posteriors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			exp, err := a.Engine.GetExperiment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), web.NewExperimentView(exp))
		},
	}
}

func newExperimentDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an experiment with its draws and assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.Engine.DeleteExperiment(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Experiment %s deleted\n", args[0])
			return nil
		},
	}
}

func newExperimentActivateCmd(active bool) *cobra.Command {
	use, short := "activate <id>", "Resume draws for an experiment"
	if !active {
		use, short = "deactivate <id>", "Stop draws for an experiment"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			exp, err := a.Engine.SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			state := "deactivated"
			if exp.IsActive {
				state = "activated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Experiment %s %s\n", exp.ID, state)
			return nil
		},
	}
}

func newExperimentObservationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "observations <id>",
		Short: "Print the completed draws of an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			obs, err := a.Engine.Observations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), web.NewObservationViews(obs))
		},
	}
}

func newExperimentCompareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <id>",
		Short: "Compare treatment and control of a Bayesian A/B test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			cmp, err := a.Engine.CompareArms(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), web.NewComparisonView(cmp))
		},
	}
}
