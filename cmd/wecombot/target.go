package main

import (
	"fmt"

	"wecombot/internal/target"

	"github.com/spf13/cobra"
)

func targetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Inspect WeCom target addresses",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "parse <target>...",
		Short: "Parse targets and print their canonical form",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bad := 0
			for _, raw := range args {
				t, ok := target.Parse(raw)
				if !ok {
					fmt.Printf("%-32q invalid\n", raw)
					bad++
					continue
				}
				fmt.Printf("%-32q kind=%s id=%s account=%s canonical=%s\n", raw, t.Kind, t.ID, t.AccountID, t.String())
			}
			if bad > 0 {
				return fmt.Errorf("%d invalid target(s); %s", bad, target.Hint)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "formats",
		Short: "List accepted target formats",
		Run: func(cmd *cobra.Command, args []string) {
			for _, f := range target.Formats() {
				fmt.Println(f)
			}
			fmt.Println(target.Hint)
		},
	})

	return cmd
}
