// Package derive recomputes the derived fields of a stored record offline.
package derive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lemlab/verifier/internal/conf"
	"github.com/lemlab/verifier/internal/derivation"
	"github.com/lemlab/verifier/internal/dto"
)

// Output formats
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Command creates the derive command
func Command() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "derive <record.json>",
		Short: "Recompute derived specimen fields of a record file",
		Long:  "Read a record in the store's JSON format, recompute tolerance, weighing and flatness for every specimen and print the result. Use - for stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := openInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeIn()

			s := conf.GetSettings()
			engine := derivation.NewEngine(s.Editor.Density, s.Editor.ToleranceLimit, s.Editor.RatioLimit)
			return Run(in, cmd.OutOrStdout(), engine, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", FormatJSON, "Output format (json, yaml)")
	cmd.Flags().Float64("density", 0.76165, "Density used for specimen mass")
	cmd.Flags().Float64("tolerance-limit", 2.0, "Maximum diameter deviation in percent")
	cmd.Flags().Float64("ratio-limit", 1.75, "Maximum length to diameter ratio that is weighed")

	bindings := map[string]string{
		"editor.density":        "density",
		"editor.tolerancelimit": "tolerance-limit",
		"editor.ratiolimit":     "ratio-limit",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Errorf("error binding flags: %w", err))
		}
	}
	return cmd
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open record file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// Run decodes a wire record from in, derives every specimen and writes the
// record to out in format
func Run(in io.Reader, out io.Writer, engine derivation.Engine, format string) error {
	format = strings.ToLower(format)
	if format != FormatJSON && format != FormatYAML {
		return fmt.Errorf("unsupported format %q", format)
	}

	var wire dto.Verification
	if err := json.NewDecoder(in).Decode(&wire); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	record, err := dto.ToRecord(wire)
	if err != nil {
		return err
	}
	derived := dto.FromRecord(engine.DeriveAll(record))
	// Timestamps belong to the store
	derived.CreatedAt, derived.UpdatedAt = wire.CreatedAt, wire.UpdatedAt

	if format == FormatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(derived)
	}
	return writeYAML(out, derived)
}

// writeYAML keeps the wire field names by going through the JSON form
func writeYAML(out io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}
