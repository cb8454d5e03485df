package main

import (
	"encoding/json"

	"gama-ovr/core/rbac"

	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Print the role to permission access table as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		policy, err := rbac.BuildPolicy(rbac.DefaultRoles())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"roles": policy.Roles(),
			"table": policy.Table(),
		})
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
}
