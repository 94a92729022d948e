package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/abelzeko/garden-controller/internal/repository"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
)

func newInstallCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Create the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := repository.NewSQLiteGardenRepository(opts.cfg.DB.Path, opts.cfg.DB.PoolSize)
			if err != nil {
				return errors.Annotate(err, "failed to initialize repository")
			}
			defer repo.Close()

			if err := repo.Install(commandContext(cmd)); err != nil {
				return errors.Annotate(err, "cannot setup database")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database installed")
			return nil
		},
	}
}

func newEvaluateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Run one watering evaluation and print its recap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts.cfg, nil)
			if err != nil {
				return errors.Trace(err)
			}
			defer a.Close()

			recap, err := a.garden.EvaluateWatering(ctx)
			if err != nil {
				return errors.Trace(err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(recap)
		},
	}
}

func newWaterCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "water <plant_id> <ml>",
		Short: "Send a watering request to a plant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			plantID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.NotValidf("plant id %q", args[0])
			}
			quantity, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return errors.NotValidf("quantity %q", args[1])
			}

			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts.cfg, nil)
			if err != nil {
				return errors.Trace(err)
			}
			defer a.Close()

			wateringID, err := a.garden.AddWater(ctx, plantID, quantity)
			if err != nil {
				return errors.Trace(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "watering %d sent to plant %d\n", wateringID, plantID)
			return nil
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
