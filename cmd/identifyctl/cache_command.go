package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate cached identifications",
	}
	cmd.AddCommand(newCacheInvalidateCommand(ctx))
	cmd.AddCommand(newCacheFingerprintCommand())
	return cmd
}

func newCacheInvalidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <fingerprint>",
		Short: "Drop every cached result for a fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(a *app) error {
				n, err := a.service.InvalidateFingerprint(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d cached result(s) for %s\n", n, entities.ShortFingerprint(args[0]))
				return nil
			})
		},
	}
}

func newCacheFingerprintCommand() *cobra.Command {
	var disease bool
	cmd := &cobra.Command{
		Use:   "fingerprint <image>",
		Short: "Print the fingerprint an image is cached under",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			fp := entities.Fingerprint(image, entities.IdentificationOptions{IncludeDiseaseDetection: disease})
			fmt.Fprintln(cmd.OutOrStdout(), fp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&disease, "disease", false, "Fingerprint for requests with disease detection")
	return cmd
}
