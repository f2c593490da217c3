package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newProvidersCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List built-in providers and whether they are configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap(flags, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			status := rt.manager.Status()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tNAME\tDEFAULT MODEL\tIMAGES\tSTATUS")
			for _, key := range rt.registry.Available() {
				info, err := rt.registry.Info(key)
				if err != nil {
					return err
				}

				state := color.YellowString("not configured")
				if st, ok := status[key]; ok {
					state = color.GreenString("active")
					if st.IsDefault {
						state += color.CyanString(" (default)")
					}
				}

				images := "-"
				if info.SupportsImages {
					images = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", key, info.DisplayName, info.DefaultModel, images, state)
			}
			return w.Flush()
		},
	}
}
