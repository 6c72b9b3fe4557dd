package options

import (
	"fmt"

	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/coldbell/options/backend/internal/token"
	"github.com/gagliardetto/solana-go"
)

// initialize creates the program authority. A second call fails with
// AlreadyInitialized.
func (p *Program) initialize(ic *runtime.InvokeContext, accounts []*solana.AccountMeta, _ []byte) error {
	ctx := ic.Context()
	signer, authorityMeta := accounts[0], accounts[1]
	if err := requireSigner(signer); err != nil {
		return err
	}
	authority, _, err := p.deriver.Authority()
	if err != nil {
		return err
	}
	if err := expectAddress("program_authority", authorityMeta, authority); err != nil {
		return err
	}

	initialized, err := ic.Txn.Initialized(ctx, authority)
	if err != nil {
		return err
	}
	if initialized {
		return fmt.Errorf("%w: program authority %s", ErrAlreadyInitialized, authority)
	}
	data, err := encodeWithDiscriminator(programAuthorityDiscriminator, nil)
	if err != nil {
		return err
	}
	if err := ic.Txn.Create(ctx, &ledger.Account{Key: authority, Owner: p.ProgramID(), Data: data}); err != nil {
		return err
	}

	ic.Emit(runtime.ChannelOptions, "program.initialized", map[string]any{
		"authority": authority.String(),
		"payer":     signer.PublicKey.String(),
	})
	return nil
}

// createHolderAccount opens the custody token account that holds listed
// option tokens for one series.
func (p *Program) createHolderAccount(ic *runtime.InvokeContext, accounts []*solana.AccountMeta, _ []byte) error {
	ctx := ic.Context()
	signer, optionMint, authorityMeta, holderMeta := accounts[0], accounts[1], accounts[2], accounts[3]
	if err := requireSigner(signer); err != nil {
		return err
	}
	authority, err := p.requireInitialized(ctx, ic.Txn)
	if err != nil {
		return err
	}
	if err := expectAddress("program_authority", authorityMeta, authority); err != nil {
		return err
	}
	holder, _, err := p.deriver.HolderAccount(optionMint.PublicKey)
	if err != nil {
		return err
	}
	if err := expectAddress("program_holder_account", holderMeta, holder); err != nil {
		return err
	}

	if err := token.InitializeAccount(ctx, ic.Txn, holder, optionMint.PublicKey, authority); err != nil {
		return err
	}
	ic.Emit(runtime.ChannelOptions, "holder_account.created", map[string]any{
		"option_mint":    optionMint.PublicKey.String(),
		"holder_account": holder.String(),
	})
	return nil
}
