package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
)

func newIdentifyCommand(ctx *commandContext) *cobra.Command {
	var disease bool
	var providerNames []string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "identify <image>",
		Short: "Identify the plant in an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			opts := entities.IdentificationOptions{
				IncludeDiseaseDetection: disease,
				RequestedProviders:      providerNames,
			}

			return ctx.withApp(cmd, func(a *app) error {
				var deadline time.Time
				if timeout > 0 {
					deadline = time.Now().Add(timeout)
				}
				result, err := a.service.Identify(cmd.Context(), image, opts, deadline)
				if err != nil {
					return err
				}
				return writeJSON(cmd, result)
			})
		},
	}

	cmd.Flags().BoolVar(&disease, "disease", false, "Include disease detection")
	cmd.Flags().StringSliceVar(&providerNames, "providers", nil, "Limit the call to these providers (default all)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall deadline (default from IDENTIFY_REQUEST_TIMEOUT)")
	return cmd
}
