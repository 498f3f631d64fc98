package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/erazemk/popis/internal/auth"
	"github.com/erazemk/popis/internal/events"
	"github.com/erazemk/popis/internal/inventory"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/trail"
)

func init() {
	lotsCmd.AddCommand(lotsReselectCmd)
	rootCmd.AddCommand(lotsCmd)
}

var lotsCmd = &cobra.Command{
	Use:   "lots",
	Short: "Maintain canonical lots",
}

var lotsReselectCmd = &cobra.Command{
	Use:   "reselect",
	Short: "Re-derive the active lot of every product",
	Long: `Re-derive the active lot of every product at every location. Run it
after a close was interrupted, or at any time; it only changes which lot is
active, never quantities.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.close()

		svc := inventory.NewService(rt.db,
			auth.NewRoleAuthorizer(rt.db, rt.logger),
			events.Nop{},
			trail.NewStore(rt.db, rt.logger),
			nil, rt.logger)

		n, err := svc.ReselectAll(cmd.Context(), model.Actor{})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reselected active lots for %d products\n", n)
		return nil
	},
}
