package cli

import (
	"github.com/spf13/cobra"

	"github.com/me/attemptrun/internal/operation"
	"github.com/me/attemptrun/internal/validate"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Emit the catalog of supported input schemas as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			validator, err := validate.New(logger)
			if err != nil {
				return err
			}
			op := operation.NewDiscover(operation.NewSchemaCatalog(validator), operation.NewJSONLines(cmd.OutOrStdout()))
			return op.Execute(cmd.Context())
		},
	}
}
