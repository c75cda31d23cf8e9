package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPersonasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "Work with the persona catalogue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available personas and their moods",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := loadPersonas()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMOODS")
			for _, p := range registry.List() {
				moods := make([]string, 0, len(p.Moods))
				for _, m := range p.Moods {
					name := m.Name
					if name == p.DefaultMood {
						name += "*"
					}
					moods = append(moods, name)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, strings.Join(moods, ", "))
			}
			return w.Flush()
		},
	})
	return cmd
}
