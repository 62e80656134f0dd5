package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools available to workflows",
	RunE: func(cmd *cobra.Command, _ []string) error {
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

		descs := reg.List()
		if toolsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(descs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCATEGORY\tRISK\tCOMPENSABLE\tPARAMETERS")
		for _, d := range descs {
			params := make([]string, 0, len(d.Parameters))
			for _, p := range d.Parameters {
				name := p.Name
				if p.Required {
					name += "*"
				}
				params = append(params, name+":"+string(p.Type))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", d.Name, d.Category, d.RiskLevel, d.SupportsCompensation, strings.Join(params, " "))
		}
		return w.Flush()
	},
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print descriptors as JSON")
}
