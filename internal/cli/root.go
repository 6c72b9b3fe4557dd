// Package cli implements optionsctl, the operator tool for the options engine.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/coldbell/options/backend/internal/client"
	"github.com/coldbell/options/backend/internal/config"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	apiURL    string
	programID string
	keypair   string
	verbose   bool
}

// NewRootCommand builds the optionsctl command tree. Output goes to the
// command's configured writer.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "optionsctl",
		Short:         "Inspect and operate an options engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", "", "engine base URL (default from OPTIONS_API_URL)")
	root.PersistentFlags().StringVar(&opts.programID, "program-id", "", "options program id (default from OPTIONS_PROGRAM_ID)")
	root.PersistentFlags().StringVar(&opts.keypair, "keypair", "", "signer keypair file (default from OPTIONS_KEYPAIR_PATH)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log retries and requests")

	root.AddCommand(
		newDeriveCommand(opts),
		newInspectCommand(opts),
		newBlockhashCommand(opts),
		newAirdropCommand(opts),
		newTransferCommand(opts),
	)
	return root
}

func (o *rootOptions) config() (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return config.ClientConfig{}, err
	}
	if o.apiURL != "" {
		cfg.APIURL = o.apiURL
	}
	if o.keypair != "" {
		cfg.KeypairPath = o.keypair
	}
	if o.programID != "" {
		id, err := solana.PublicKeyFromBase58(o.programID)
		if err != nil {
			return config.ClientConfig{}, fmt.Errorf("invalid --program-id: %w", err)
		}
		cfg.OptionsProgramID = id
	}
	return cfg, nil
}

func (o *rootOptions) client(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return client.New(cfg, logger), nil
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func parsePubkey(name, raw string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return key, nil
}

func parseAmount(name, raw string) (uint64, error) {
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return value, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
