// Package runtime executes signed transactions against the account ledger.
// It verifies signatures, enforces the recent-blockhash window and signature
// replay protection, dispatches instructions to registered programs and
// commits each transaction all-or-nothing.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coldbell/options/backend/internal/ledger"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultBlockhashWindow    = 150
	DefaultSignatureCacheSize = 65536
)

type Config struct {
	BlockhashWindow    int
	SignatureCacheSize int
	FaucetEnabled      bool
	FaucetMaxLamports  uint64
	Now                func() time.Time
	Logger             *slog.Logger
	Broker             *Broker
}

type Receipt struct {
	Signature solana.Signature `json:"signature"`
	Slot      uint64           `json:"slot"`
	Events    []Event          `json:"events,omitempty"`
}

type Runtime struct {
	store    ledger.Store
	cfg      Config
	logger   *slog.Logger
	broker   *Broker
	programs map[solana.PublicKey]Program

	mu        sync.Mutex
	slot      uint64
	hashes    []solana.Hash
	hashSlots map[solana.Hash]uint64
	processed *lru.Cache[solana.Signature, uint64]
	inflight  map[solana.Signature]struct{}
}

func New(store ledger.Store, cfg Config, programs ...Program) (*Runtime, error) {
	if cfg.BlockhashWindow <= 0 {
		cfg.BlockhashWindow = DefaultBlockhashWindow
	}
	if cfg.SignatureCacheSize <= 0 {
		cfg.SignatureCacheSize = DefaultSignatureCacheSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Broker == nil {
		cfg.Broker = NewBroker(0)
	}

	processed, err := lru.New[solana.Signature, uint64](cfg.SignatureCacheSize)
	if err != nil {
		return nil, fmt.Errorf("init signature cache: %w", err)
	}

	genesis := solana.Hash(sha256.Sum256([]byte("genesis:" + uuid.NewString())))
	r := &Runtime{
		store:     store,
		cfg:       cfg,
		logger:    cfg.Logger,
		broker:    cfg.Broker,
		programs:  make(map[solana.PublicKey]Program),
		hashes:    []solana.Hash{genesis},
		hashSlots: map[solana.Hash]uint64{genesis: 0},
		processed: processed,
		inflight:  make(map[solana.Signature]struct{}),
	}
	r.Register(SystemProgram{})
	for _, p := range programs {
		r.Register(p)
	}
	return r, nil
}

func (r *Runtime) Register(p Program) {
	r.programs[p.ProgramID()] = p
}

func (r *Runtime) Store() ledger.Store {
	return r.store
}

func (r *Runtime) Broker() *Broker {
	return r.broker
}

func (r *Runtime) Now() time.Time {
	return r.cfg.Now()
}

// LatestBlockhash returns the newest blockhash and the slot it was produced in.
func (r *Runtime) LatestBlockhash() (solana.Hash, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hashes[len(r.hashes)-1], r.slot
}

func (r *Runtime) GetAccount(ctx context.Context, key solana.PublicKey) (*ledger.Account, error) {
	return r.store.Get(ctx, key)
}

func (r *Runtime) ScanOwner(ctx context.Context, owner solana.PublicKey) ([]*ledger.Account, error) {
	return r.store.ScanOwner(ctx, owner)
}

// SubmitRaw decodes a wire-format transaction and processes it.
func (r *Runtime) SubmitRaw(ctx context.Context, raw []byte) (*Receipt, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	return r.ProcessTransaction(ctx, tx)
}

// Execute builds, signs and processes a transaction in one step. The first
// signer pays.
func (r *Runtime) Execute(ctx context.Context, instructions []solana.Instruction, signers ...solana.PrivateKey) (*Receipt, error) {
	if len(signers) == 0 {
		return nil, fmt.Errorf("%w: no signers", ErrMalformedTransaction)
	}
	blockhash, _ := r.LatestBlockhash()
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(signers[0].PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return r.ProcessTransaction(ctx, tx)
}

func (r *Runtime) ProcessTransaction(ctx context.Context, tx *solana.Transaction) (*Receipt, error) {
	instructions, writable, err := resolve(tx)
	if err != nil {
		return nil, err
	}
	sig := tx.Signatures[0]

	slot, err := r.reserve(sig, tx.Message.RecentBlockhash)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			r.release(sig)
		}
	}()

	ic := &InvokeContext{
		ctx:       ctx,
		Txn:       ledger.NewTxn(r.store),
		Clock:     Clock{Slot: slot, UnixTimestamp: r.cfg.Now().Unix()},
		Signature: sig,
	}
	for i, ix := range instructions {
		program, ok := r.programs[ix.ProgramID]
		if !ok {
			return nil, &InstructionError{Index: i, Program: ix.ProgramID, Err: ErrProgramNotFound}
		}
		if err := program.Process(ic, ix); err != nil {
			return nil, &InstructionError{Index: i, Program: ix.ProgramID, Err: err}
		}
	}
	for _, acct := range ic.Txn.Written() {
		if _, ok := writable[acct.Key]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrReadonlyWrite, acct.Key)
		}
	}
	if err := ic.Txn.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	slot = r.advance(sig)
	ic.Clock.Slot = slot
	for i := range ic.events {
		ic.events[i].Slot = slot
	}
	ic.Emit(ChannelTransactions, "transaction.committed", map[string]any{
		"accounts": len(ic.Txn.Written()),
	})
	r.broker.Publish(ic.events...)
	r.logger.Debug("transaction committed", "signature", sig, "slot", slot, "instructions", len(instructions))

	return &Receipt{Signature: sig, Slot: slot, Events: ic.events}, nil
}

// Airdrop credits lamports out of thin air. It is meant for local networks.
func (r *Runtime) Airdrop(ctx context.Context, to solana.PublicKey, lamports uint64) (*Receipt, error) {
	if !r.cfg.FaucetEnabled {
		return nil, ErrFaucetDisabled
	}
	if lamports == 0 || (r.cfg.FaucetMaxLamports > 0 && lamports > r.cfg.FaucetMaxLamports) {
		return nil, fmt.Errorf("%w: %d", ErrAirdropAmount, lamports)
	}

	var sig solana.Signature
	seed := sha256.Sum256([]byte("airdrop:" + uuid.NewString()))
	copy(sig[:], seed[:])

	_, slot := r.LatestBlockhash()
	ic := &InvokeContext{
		ctx:       ctx,
		Txn:       ledger.NewTxn(r.store),
		Clock:     Clock{Slot: slot + 1, UnixTimestamp: r.cfg.Now().Unix()},
		Signature: sig,
	}
	if err := ic.Txn.Credit(ctx, to, lamports); err != nil {
		return nil, err
	}
	if err := ic.Txn.Commit(ctx); err != nil {
		return nil, err
	}
	ic.Clock.Slot = r.advance(sig)

	ic.Emit(ChannelTransactions, "airdrop", map[string]any{
		"to":       to.String(),
		"lamports": lamports,
	})
	r.broker.Publish(ic.events...)
	r.logger.Info("airdrop", "to", to, "lamports", lamports)
	return &Receipt{Signature: sig, Slot: ic.Clock.Slot, Events: ic.events}, nil
}

func (r *Runtime) reserve(sig solana.Signature, blockhash solana.Hash) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hashSlots[blockhash]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrBlockhashNotFound, blockhash)
	}
	if r.processed.Contains(sig) {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyProcessed, sig)
	}
	if _, ok := r.inflight[sig]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyProcessed, sig)
	}
	r.inflight[sig] = struct{}{}
	return r.slot + 1, nil
}

func (r *Runtime) release(sig solana.Signature) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, sig)
}

// advance records a committed signature and produces the next blockhash.
func (r *Runtime) advance(sig solana.Signature) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inflight, sig)
	r.slot++
	r.processed.Add(sig, r.slot)

	prev := r.hashes[len(r.hashes)-1]
	var slotBytes [8]byte
	binary.LittleEndian.PutUint64(slotBytes[:], r.slot)
	h := sha256.New()
	h.Write(prev[:])
	h.Write(slotBytes[:])
	h.Write(sig[:])
	var next solana.Hash
	copy(next[:], h.Sum(nil))

	r.hashes = append(r.hashes, next)
	r.hashSlots[next] = r.slot
	for len(r.hashes) > r.cfg.BlockhashWindow {
		delete(r.hashSlots, r.hashes[0])
		r.hashes = r.hashes[1:]
	}
	return r.slot
}

// resolve verifies every required signature and expands compiled
// instructions into account metas.
func resolve(tx *solana.Transaction) ([]*Instruction, map[solana.PublicKey]struct{}, error) {
	if tx == nil {
		return nil, nil, fmt.Errorf("%w: empty transaction", ErrMalformedTransaction)
	}
	msg := tx.Message
	keys := msg.AccountKeys
	header := msg.Header
	numSigners := int(header.NumRequiredSignatures)
	if numSigners == 0 || numSigners > len(keys) {
		return nil, nil, fmt.Errorf("%w: %d required signatures for %d keys", ErrMalformedTransaction, numSigners, len(keys))
	}
	if len(tx.Signatures) != numSigners {
		return nil, nil, fmt.Errorf("%w: have %d signatures, need %d", ErrSignatureVerification, len(tx.Signatures), numSigners)
	}
	if int(header.NumReadonlySignedAccounts) > numSigners ||
		int(header.NumReadonlyUnsignedAccounts) > len(keys)-numSigners {
		return nil, nil, fmt.Errorf("%w: inconsistent header", ErrMalformedTransaction)
	}

	payload, err := msg.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	for i := 0; i < numSigners; i++ {
		if !tx.Signatures[i].Verify(keys[i], payload) {
			return nil, nil, fmt.Errorf("%w: %s", ErrSignatureVerification, keys[i])
		}
	}

	isWritable := func(i int) bool {
		if i < numSigners {
			return i < numSigners-int(header.NumReadonlySignedAccounts)
		}
		return i < len(keys)-int(header.NumReadonlyUnsignedAccounts)
	}
	writable := make(map[solana.PublicKey]struct{})
	for i, key := range keys {
		if isWritable(i) {
			writable[key] = struct{}{}
		}
	}

	out := make([]*Instruction, 0, len(msg.Instructions))
	for n, compiled := range msg.Instructions {
		programIdx := int(compiled.ProgramIDIndex)
		if programIdx >= len(keys) {
			return nil, nil, fmt.Errorf("%w: instruction %d program index out of range", ErrMalformedTransaction, n)
		}
		ix := &Instruction{
			ProgramID: keys[programIdx],
			Accounts:  make([]*solana.AccountMeta, 0, len(compiled.Accounts)),
			Data:      []byte(compiled.Data),
		}
		for _, idx := range compiled.Accounts {
			i := int(idx)
			if i >= len(keys) {
				return nil, nil, fmt.Errorf("%w: instruction %d account index out of range", ErrMalformedTransaction, n)
			}
			ix.Accounts = append(ix.Accounts, solana.NewAccountMeta(keys[i], isWritable(i), i < numSigners))
		}
		out = append(out, ix)
	}
	return out, writable, nil
}

// IsConflict reports whether err is a lost optimistic race that is safe to
// retry with a fresh blockhash.
func IsConflict(err error) bool {
	return errors.Is(err, ledger.ErrAccountConflict)
}
