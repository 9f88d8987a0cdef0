// Package push saves a record file to the record store through an edit
// session, the same path the editor uses.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lemlab/verifier/internal/conf"
	"github.com/lemlab/verifier/internal/derivation"
	"github.com/lemlab/verifier/internal/dto"
	"github.com/lemlab/verifier/internal/editor"
	"github.com/lemlab/verifier/internal/gateway"
	"github.com/lemlab/verifier/internal/logger"
	"github.com/lemlab/verifier/internal/verification"
)

// Command creates the push command
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <record.json|->",
		Short: "Validate and save a record file to the record store",
		Long:  "Create the record when the file has no id, otherwise replace the stored record. Use - to read from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := openInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer closeIn()

			saved, err := Run(cmd.Context(), in, conf.GetSettings(), logger.Global().Logger())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved verification %d (%d specimens)\n", *saved.ID, len(saved.Specimens))
			return nil
		},
	}

	cmd.Flags().Duration("timeout", conf.DefaultGatewayTimeout, "Record store request timeout")
	if err := viper.BindPFlag("gateway.timeout", cmd.Flags().Lookup("timeout")); err != nil {
		panic(fmt.Errorf("error binding flags: %w", err))
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

// Run saves the wire record read from in
func Run(ctx context.Context, in io.Reader, settings *conf.Settings, log logger.Logger) (verification.Record, error) {
	var wire dto.Verification
	if err := json.NewDecoder(in).Decode(&wire); err != nil {
		return verification.Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	record, err := dto.ToRecord(wire)
	if err != nil {
		return verification.Record{}, err
	}

	gw, err := gateway.New(gateway.Config{
		BaseURL:   settings.Gateway.URL,
		Timeout:   settings.Gateway.Timeout,
		UserAgent: settings.Gateway.UserAgent,
		Logger:    log,
	})
	if err != nil {
		return verification.Record{}, err
	}
	defer gw.Close()

	session, err := editor.FromRecord(editor.Options{
		Gateway:     gw,
		Engine:      derivation.NewEngine(settings.Editor.Density, settings.Editor.ToleranceLimit, settings.Editor.RatioLimit),
		Debounce:    settings.Editor.Debounce,
		Grace:       settings.Editor.Grace,
		Cooldown:    settings.Editor.Cooldown,
		SaveTimeout: settings.Gateway.Timeout,
		Logger:      log,
	}, record)
	if err != nil {
		return verification.Record{}, err
	}
	defer func() { _ = session.Close() }()

	return session.Save(ctx)
}
