package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gatehouse-io/gatehouse/internal/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			path, err := wizard.Run(output, defaults)
			if err != nil {
				return err
			}

			fmt.Printf("Config written to %s\n", path)
			fmt.Printf("Start the service with: gatehouse run %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./gatehouse.json)")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively using env vars and defaults")
	return cmd
}
