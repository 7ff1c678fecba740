package cli

import (
	"github.com/spf13/cobra"

	"identitycore/internal/core"
)

func (a *app) checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Save, restore and list registry state checkpoints",
		Long: `Checkpoints are JSON snapshots of the full registry state (nonce included)
written to the configured blob store under checkpoints/<name>.json.
Checkpoints are write-once: saving over an existing name fails.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "save <name>",
			Short: "Write the committed state to a new checkpoint",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := a.runtime.Blob(cmd.Context())
				if err != nil {
					return err
				}
				info, err := a.runtime.Service.Checkpoint(cmd.Context(), store, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"name": args[0],
					"key":  info.Key,
					"size": info.Size,
					"etag": info.ETag,
				})
			},
		},
		&cobra.Command{
			Use:   "restore <name>",
			Short: "Replace the committed state with a checkpoint",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := a.runtime.Blob(cmd.Context())
				if err != nil {
					return err
				}
				if err := a.runtime.Service.Restore(cmd.Context(), store, args[0]); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"restored": args[0]})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List checkpoint names",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, err := a.runtime.Blob(cmd.Context())
				if err != nil {
					return err
				}
				names, err := core.Checkpoints(cmd.Context(), store)
				if err != nil {
					return err
				}
				if names == nil {
					names = []string{}
				}
				return writeJSON(cmd.OutOrStdout(), names)
			},
		},
	)
	return cmd
}
