package cli

import (
	"fmt"

	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

func newInspectCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Read ledger state from a running engine",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "account <pubkey>",
		Short: "Raw account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parsePubkey("pubkey", args[0])
			if err != nil {
				return err
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			out, err := c.Account(commandContext(cmd), key)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "series <option-mint>",
		Short: "Decoded option series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			optionMint, err := parsePubkey("option mint", args[0])
			if err != nil {
				return err
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			out, err := c.Option(commandContext(cmd), optionMint)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "listings <option-mint>",
		Short: "Every listing of an option series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			optionMint, err := parsePubkey("option mint", args[0])
			if err != nil {
				return err
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			out, err := c.Listings(commandContext(cmd), optionMint)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "token-account <pubkey>",
		Short: "Decoded token account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parsePubkey("pubkey", args[0])
			if err != nil {
				return err
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			out, err := c.TokenAccount(commandContext(cmd), key)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})
	return cmd
}

func newBlockhashCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "blockhash",
		Short: "Latest blockhash and slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			hash, slot, err := c.LatestBlockhash(commandContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"blockhash": hash.String(), "slot": slot})
		},
	}
}

func newAirdropCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "airdrop <pubkey> <lamports>",
		Short: "Request lamports from a development faucet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parsePubkey("pubkey", args[0])
			if err != nil {
				return err
			}
			lamports, err := parseAmount("lamports", args[1])
			if err != nil {
				return err
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			out, err := c.Airdrop(commandContext(cmd), key, lamports)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newTransferCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <to> <lamports>",
		Short: "Send lamports from the configured keypair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := parsePubkey("recipient", args[0])
			if err != nil {
				return err
			}
			lamports, err := parseAmount("lamports", args[1])
			if err != nil {
				return err
			}
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
			if err != nil {
				return fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
			}
			c, err := opts.client(cmd)
			if err != nil {
				return err
			}
			ix := runtime.NewTransferInstruction(signer.PublicKey(), to, lamports)
			out, err := c.Send(commandContext(cmd), []solana.Instruction{ix}, signer)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}
