package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/stepguard/internal/orchestrator"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow-file>...",
	Short: "Check workflow definitions against the configured tools",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		reg, closeTools, err := buildRegistry(context.Background(), cfg, nil, logger)
		if err != nil {
			return err
		}
		defer closeTools()

		failed := 0
		for _, path := range args {
			def, err := orchestrator.LoadDefinition(path)
			if err == nil {
				err = def.Validate(reg)
			}
			if err != nil {
				failed++
				fmt.Printf("FAIL  %s: %v\n", path, err)
				continue
			}
			fmt.Printf("ok    %s: %s (%d steps)\n", path, def.Name, len(def.Steps))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
		}
		return nil
	},
}
