package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/emiliopalmerini/mbandit/internal/engine"
	"github.com/emiliopalmerini/mbandit/internal/web"
)

func newDrawCmd() *cobra.Command {
	var (
		clientID string
		drawID   string
		features map[string]string
	)

	cmd := &cobra.Command{
		Use:   "draw <experiment-id>",
		Short: "Assign an arm for one trial",
		Long: `Assign an arm with Thompson sampling and record a pending draw.
Report its outcome later with "mbandit update".

Examples:
  mbandit draw 3f2a...                          # anonymous draw
  mbandit draw 3f2a... --client user-42         # sticky experiments
  mbandit draw 3f2a... --context age=0.3,mobile=1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseContext(features)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			req := engine.DrawRequest{
				ExperimentID: args[0],
				DrawID:       drawID,
				Context:      values,
			}
			if cmd.Flags().Changed("client") {
				req.ClientID = &clientID
			}

			res, err := a.Engine.DrawArm(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), web.NewDrawView(res))
		},
	}

	cmd.Flags().StringVarP(&clientID, "client", "c", "", "Client id for sticky assignment")
	cmd.Flags().StringVar(&drawID, "draw-id", "", "Caller supplied draw id (default: generated)")
	cmd.Flags().StringToStringVarP(&features, "context", "x", nil, "Context values as name=value pairs")
	return cmd
}

func parseContext(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for name, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q for context %q", v, name)
		}
		out[name] = f
	}
	return out, nil
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <draw-id> <outcome>",
		Short: "Report the outcome of a draw",
		Long: `Report the observed outcome of a pending draw and update the posterior
of the arm it was assigned. Binary experiments accept 0 or 1.

Examples:
  mbandit update 9c1e... 1
  mbandit update 9c1e... 12.5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid outcome %q", args[1])
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)

			res, err := a.Engine.UpdateArm(cmd.Context(), args[0], outcome)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), web.NewUpdateView(res))
		},
	}
}
