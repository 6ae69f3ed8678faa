package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"replaydeck/cassette"
	"replaydeck/interaction"
)

var inspectFormat string

var inspectCmd = &cobra.Command{
	Use:   "inspect <cassette>",
	Short: "Print the interactions of a cassette file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cassette.Open(args[0])
		if err != nil {
			return err
		}
		return renderInteractions(cmd.OutOrStdout(), c.ReadAll(), inspectFormat)
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "json", "output format: json or yaml")
	rootCmd.AddCommand(inspectCmd)
}

// renderInteractions prints items in the cassette wire format, as JSON or
// as the equivalent YAML document with field order preserved.
func renderInteractions(out io.Writer, items []interaction.Interaction, format string) error {
	data, err := interaction.MarshalList(items)
	if err != nil {
		return err
	}

	switch format {
	case "json":
		_, err := out.Write(data)
		return err
	case "yaml":
		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		blockStyle(&doc)
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (must be 'json' or 'yaml')", format)
	}
}

// blockStyle drops the flow and quoting styles inherited from the JSON
// source. Byte arrays stay on one line.
func blockStyle(n *yaml.Node) {
	if n.Kind == yaml.SequenceNode && len(n.Content) > 0 && allIntScalars(n.Content) {
		n.Style = yaml.FlowStyle
		return
	}
	n.Style = 0
	for _, child := range n.Content {
		blockStyle(child)
	}
}

func allIntScalars(nodes []*yaml.Node) bool {
	for _, n := range nodes {
		if n.Kind != yaml.ScalarNode || n.ShortTag() != "!!int" {
			return false
		}
	}
	return true
}
