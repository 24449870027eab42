// Package configdump writes the effective configuration.
package configdump

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "configuration tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "writes the effective configuration as yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dump(cmd.OutOrStdout(), viper.GetViper(), cmd.Root())
		},
	})
	return cmd
}

// effective merges the values known to viper with the defaults of all
// flags of the command tree.
func effective(v *viper.Viper, root *cobra.Command) map[string]any {
	ret := map[string]any{}
	var visit func(c *cobra.Command)
	visit = func(c *cobra.Command) {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			if _, ok := ret[f.Name]; !ok && f.Name != "help" {
				ret[f.Name] = f.Value.String()
			}
		})
		for _, sub := range c.Commands() {
			visit(sub)
		}
	}
	visit(root)
	for key, val := range v.AllSettings() {
		ret[key] = val
	}
	return ret
}

func dump(w io.Writer, v *viper.Viper, root *cobra.Command) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(effective(v, root)); err != nil {
		return err
	}
	return enc.Close()
}
