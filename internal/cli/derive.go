package cli

import (
	"github.com/coldbell/options/backend/internal/pda"
	"github.com/coldbell/options/backend/internal/token"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

type derivedAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Bump    uint8  `json:"bump,omitempty"`
}

func newDeriveCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive program addresses offline",
	}

	deriver := func() (*pda.Deriver, error) {
		cfg, err := opts.config()
		if err != nil {
			return nil, err
		}
		return pda.NewDeriver(cfg.OptionsProgramID, 16)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "authority",
		Short: "Program authority registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := deriver()
			if err != nil {
				return err
			}
			key, bump, err := d.Authority()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), []derivedAddress{{Name: "program_authority", Address: key.String(), Bump: bump}})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "escrow <underlying-mint>",
		Short: "Shared call collateral escrow of an underlying asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			underlying, err := parsePubkey("underlying mint", args[0])
			if err != nil {
				return err
			}
			d, err := deriver()
			if err != nil {
				return err
			}
			key, bump, err := d.UnderlyingEscrow(underlying)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), []derivedAddress{{Name: "underlying_escrow", Address: key.String(), Bump: bump}})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "series <option-mint>",
		Short: "Per-series accounts of an option mint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			optionMint, err := parsePubkey("option mint", args[0])
			if err != nil {
				return err
			}
			d, err := deriver()
			if err != nil {
				return err
			}
			out := make([]derivedAddress, 0, 3)
			for _, item := range []struct {
				name   string
				derive func(solana.PublicKey) (solana.PublicKey, uint8, error)
			}{
				{name: "option_data", derive: d.OptionData},
				{name: "program_holder_account", derive: d.HolderAccount},
				{name: "put_collateral", derive: d.PutCollateral},
			} {
				key, bump, err := item.derive(optionMint)
				if err != nil {
					return err
				}
				out = append(out, derivedAddress{Name: item.name, Address: key.String(), Bump: bump})
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "listing <option-mint> <owner> <price>",
		Short: "Listing address for a seller at one price",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			optionMint, err := parsePubkey("option mint", args[0])
			if err != nil {
				return err
			}
			owner, err := parsePubkey("owner", args[1])
			if err != nil {
				return err
			}
			price, err := parseAmount("price", args[2])
			if err != nil {
				return err
			}
			d, err := deriver()
			if err != nil {
				return err
			}
			key, bump, err := d.Listing(optionMint, owner, price)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), []derivedAddress{{Name: "listing", Address: key.String(), Bump: bump}})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ata <wallet> <mint>",
		Short: "Associated token account of a wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, err := parsePubkey("wallet", args[0])
			if err != nil {
				return err
			}
			mint, err := parsePubkey("mint", args[1])
			if err != nil {
				return err
			}
			key, err := token.AssociatedAddress(wallet, mint)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), []derivedAddress{{Name: "associated_token_account", Address: key.String()}})
		},
	})
	return cmd
}
