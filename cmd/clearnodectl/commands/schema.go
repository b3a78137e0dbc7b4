package commands

import (
	"github.com/spf13/cobra"

	"github.com/ggoodman/clearnode-go/rpc"
)

// schema: print JSON Schemas for every request the client sends.
func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print JSON Schemas of the clearing node request params",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := rpc.MarshalSchemas()
			if err != nil {
				return err
			}
			out = append(out, '\n')
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
