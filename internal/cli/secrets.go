package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage secrets referenced by attempt inputs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "put <coordinate> [value]",
		Short: "Store a secret value; reads the value from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinate := strings.TrimSpace(args[0])
			if coordinate == "" {
				return fmt.Errorf("coordinate must not be empty")
			}
			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read value: %w", err)
				}
				value = strings.TrimRight(string(raw), "\r\n")
			}

			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.WriteSecret(cmd.Context(), coordinate, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret %s stored\n", coordinate)
			return nil
		},
	})
	return cmd
}
