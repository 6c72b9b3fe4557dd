package apiserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coldbell/options/backend/internal/config"
	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/coldbell/options/backend/internal/options"
	"github.com/coldbell/options/backend/internal/pda"
	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/coldbell/options/backend/internal/token"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testNow int64 = 1_700_000_000

type apiFixture struct {
	t       *testing.T
	rt      *runtime.Runtime
	builder *options.Builder
	server  *httptest.Server
	admin   solana.PrivateKey
}

func newAPIFixture(t *testing.T, faucet bool) *apiFixture {
	t.Helper()
	deriver, err := pda.NewDeriver(options.DefaultProgramID, 64)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt, err := runtime.New(ledger.NewMemoryStore(), runtime.Config{
		FaucetEnabled: true,
		Now:           func() time.Time { return time.Unix(testNow, 0) },
		Logger:        logger,
	}, token.Program{}, options.NewProgram(deriver, logger))
	require.NoError(t, err)

	svc, err := New(config.EngineConfig{
		AllowedOrigins: []string{"https://app.example"},
		FaucetEnabled:  faucet,
	}, rt, deriver, logger)
	require.NoError(t, err)

	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)

	f := &apiFixture{t: t, rt: rt, builder: options.NewBuilder(deriver), server: server}
	f.admin = f.wallet()
	return f
}

func (f *apiFixture) wallet() solana.PrivateKey {
	f.t.Helper()
	key := solana.NewWallet().PrivateKey
	_, err := f.rt.Airdrop(context.Background(), key.PublicKey(), 1_000_000_000)
	require.NoError(f.t, err)
	return key
}

func (f *apiFixture) signed(ixs []solana.Instruction, signers ...solana.PrivateKey) string {
	f.t.Helper()
	hash, _ := f.rt.LatestBlockhash()
	tx, err := solana.NewTransaction(ixs, hash, solana.TransactionPayer(signers[0].PublicKey()))
	require.NoError(f.t, err)
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	})
	require.NoError(f.t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(f.t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func (f *apiFixture) exec(ixs []solana.Instruction, signers ...solana.PrivateKey) {
	f.t.Helper()
	_, err := f.rt.Execute(context.Background(), ixs, signers...)
	require.NoError(f.t, err)
}

func (f *apiFixture) get(path string, out any) int {
	f.t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *apiFixture) post(path string, body any, out any) int {
	f.t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(f.t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(f.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// listedSeries initializes the program, creates a call series and lists part
// of it.
func (f *apiFixture) listedSeries() (creator solana.PrivateKey, optionMint solana.PublicKey) {
	f.t.Helper()
	initIx, err := f.builder.Initialize(f.admin.PublicKey())
	require.NoError(f.t, err)
	f.exec([]solana.Instruction{initIx}, f.admin)

	creator = f.wallet()
	mint := solana.NewWallet().PrivateKey
	create, ata, err := token.NewCreateAssociatedAccountInstruction(f.admin.PublicKey(), creator.PublicKey(), mint.PublicKey())
	require.NoError(f.t, err)
	f.exec([]solana.Instruction{
		token.NewInitializeMintInstruction(f.admin.PublicKey(), mint.PublicKey(), f.admin.PublicKey(), 9),
		create,
		token.NewMintToInstruction(mint.PublicKey(), ata, f.admin.PublicKey(), 100),
	}, f.admin, mint)

	optionKey := solana.NewWallet().PrivateKey
	createIx, err := f.builder.Create(creator.PublicKey(), mint.PublicKey(), optionKey.PublicKey(), options.CreateArgs{
		EndTime:     uint64(testNow + 3600),
		StrikePrice: 25,
		Amount:      100,
		Call:        true,
		Resellable:  true,
	})
	require.NoError(f.t, err)
	holderIx, err := f.builder.CreateHolderAccount(creator.PublicKey(), optionKey.PublicKey())
	require.NoError(f.t, err)
	f.exec([]solana.Instruction{createIx, holderIx}, creator, optionKey)

	listIx, err := f.builder.List(creator.PublicKey(), optionKey.PublicKey(), 40, 3)
	require.NoError(f.t, err)
	f.exec([]solana.Instruction{listIx}, creator)
	return creator, optionKey.PublicKey()
}

func TestHealthAndBlockhash(t *testing.T) {
	f := newAPIFixture(t, false)

	var health HealthResponse
	require.Equal(t, http.StatusOK, f.get("/healthz", &health))
	require.True(t, health.OK)

	var blockhash BlockhashResponse
	require.Equal(t, http.StatusOK, f.get("/v1/blockhash", &blockhash))
	hash, slot := f.rt.LatestBlockhash()
	require.Equal(t, hash.String(), blockhash.Blockhash)
	require.Equal(t, slot, blockhash.Slot)

	var errBody ErrorResponse
	require.Equal(t, http.StatusMethodNotAllowed, f.post("/v1/blockhash", map[string]string{}, &errBody))
}

func TestSubmitTransaction(t *testing.T) {
	f := newAPIFixture(t, false)
	to := solana.NewWallet().PublicKey()
	encoded := f.signed([]solana.Instruction{runtime.NewTransferInstruction(f.admin.PublicKey(), to, 1_000)}, f.admin)

	var receipt ReceiptResponse
	require.Equal(t, http.StatusOK, f.post("/v1/transactions", TransactionRequest{Transaction: encoded}, &receipt))
	require.NotEmpty(t, receipt.Signature)
	require.NotEmpty(t, receipt.Events)

	var account AccountResponse
	require.Equal(t, http.StatusOK, f.get("/v1/accounts/"+to.String(), &account))
	require.Equal(t, uint64(1_000), account.Lamports)
	require.Equal(t, solana.SystemProgramID.String(), account.Owner)

	var errBody ErrorResponse
	require.Equal(t, http.StatusConflict, f.post("/v1/transactions", TransactionRequest{Transaction: encoded}, &errBody))
	require.Equal(t, ErrNameAlreadyProcessed, errBody.Name)

	errBody = ErrorResponse{}
	require.Equal(t, http.StatusBadRequest, f.post("/v1/transactions", TransactionRequest{Transaction: "!!"}, &errBody))
	require.Equal(t, ErrNameMalformedTransaction, errBody.Name)

	errBody = ErrorResponse{}
	garbage := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	require.Equal(t, http.StatusBadRequest, f.post("/v1/transactions", TransactionRequest{Transaction: garbage}, &errBody))
	require.Equal(t, ErrNameMalformedTransaction, errBody.Name)
}

func TestProgramErrorsCarryCodes(t *testing.T) {
	f := newAPIFixture(t, false)
	f.listedSeries()

	ix, err := f.builder.Initialize(f.admin.PublicKey())
	require.NoError(t, err)
	var errBody ErrorResponse
	status := f.post("/v1/transactions", TransactionRequest{Transaction: f.signed([]solana.Instruction{ix}, f.admin)}, &errBody)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, options.ErrAlreadyInitialized.Code, errBody.Code)
	require.Equal(t, "AlreadyInitialized", errBody.Name)
	require.NotNil(t, errBody.Instruction)
	require.Equal(t, 0, *errBody.Instruction)
}

func TestAirdrop(t *testing.T) {
	disabled := newAPIFixture(t, false)
	var errBody ErrorResponse
	require.Equal(t, http.StatusForbidden, disabled.post("/v1/airdrop", AirdropRequest{Pubkey: solana.NewWallet().PublicKey().String(), Lamports: 5}, &errBody))
	require.Equal(t, ErrNameFaucetDisabled, errBody.Name)

	f := newAPIFixture(t, true)
	key := solana.NewWallet().PublicKey()
	var receipt ReceiptResponse
	require.Equal(t, http.StatusOK, f.post("/v1/airdrop", AirdropRequest{Pubkey: key.String(), Lamports: 5}, &receipt))

	var account AccountResponse
	require.Equal(t, http.StatusOK, f.get("/v1/accounts/"+key.String(), &account))
	require.Equal(t, uint64(5), account.Lamports)

	errBody = ErrorResponse{}
	require.Equal(t, http.StatusBadRequest, f.post("/v1/airdrop", AirdropRequest{Pubkey: key.String()}, &errBody))
	require.Equal(t, ErrNameInvalidAirdrop, errBody.Name)
	require.Equal(t, http.StatusBadRequest, f.post("/v1/airdrop", AirdropRequest{Pubkey: "nope", Lamports: 1}, nil))
	require.Equal(t, http.StatusBadRequest, f.post("/v1/airdrop", map[string]any{"pubkey": key.String(), "extra": 1}, nil))
}

func TestReadEndpoints(t *testing.T) {
	f := newAPIFixture(t, false)
	creator, optionMint := f.listedSeries()

	var option OptionResponse
	require.Equal(t, http.StatusOK, f.get("/v1/options/"+optionMint.String(), &option))
	require.Equal(t, creator.PublicKey().String(), option.Creator)
	require.Equal(t, uint64(100), option.AmountUnexercised)
	require.Equal(t, uint64(25), option.StrikePrice)
	require.True(t, option.Call)
	require.False(t, option.Expired)

	var listing ListingResponse
	path := "/v1/listings?option_mint=" + optionMint.String() + "&owner=" + creator.PublicKey().String() + "&price=3"
	require.Equal(t, http.StatusOK, f.get(path, &listing))
	require.Equal(t, uint64(40), listing.Amount)
	require.Equal(t, uint64(3), listing.Price)

	var listings listResponse[ListingResponse]
	require.Equal(t, http.StatusOK, f.get("/v1/listings?option_mint="+optionMint.String(), &listings))
	require.Len(t, listings.Items, 1)
	require.Equal(t, listing, listings.Items[0])

	listings = listResponse[ListingResponse]{}
	require.Equal(t, http.StatusOK, f.get("/v1/listings?option_mint="+optionMint.String()+"&price=4", &listings))
	require.Empty(t, listings.Items)

	ata, err := token.AssociatedAddress(creator.PublicKey(), optionMint)
	require.NoError(t, err)
	var tokenAccount TokenAccountResponse
	require.Equal(t, http.StatusOK, f.get("/v1/token-accounts/"+ata.String(), &tokenAccount))
	require.Equal(t, uint64(60), tokenAccount.Amount)
	require.Equal(t, optionMint.String(), tokenAccount.Mint)

	require.Equal(t, http.StatusNotFound, f.get("/v1/token-accounts/"+creator.PublicKey().String(), nil))
	require.Equal(t, http.StatusNotFound, f.get("/v1/options/"+solana.NewWallet().PublicKey().String(), nil))
	require.Equal(t, http.StatusBadRequest, f.get("/v1/accounts/not-base58", nil))
	require.Equal(t, http.StatusBadRequest, f.get("/v1/listings", nil))
}

func TestCORS(t *testing.T) {
	f := newAPIFixture(t, false)

	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/v1/blockhash", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, f.server.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketStreamsSubscribedChannels(t *testing.T) {
	f := newAPIFixture(t, false)
	creator, optionMint := f.listedSeries()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: "bogus"}))
	var reply websocketEnvelope
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "error", reply.Type)

	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: runtime.ChannelListings}))
	reply = websocketEnvelope{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "subscribed", reply.Type)
	require.Equal(t, runtime.ChannelListings, reply.Channel)

	listIx, err := f.builder.List(creator.PublicKey(), optionMint, 5, 3)
	require.NoError(t, err)
	f.exec([]solana.Instruction{listIx}, creator)

	var event struct {
		Type    string        `json:"type"`
		Channel string        `json:"channel"`
		Data    runtime.Event `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, "event", event.Type)
	require.Equal(t, runtime.ChannelListings, event.Channel)
	require.Equal(t, "listing.updated", event.Data.Type)
	require.EqualValues(t, 45, event.Data.Data.(map[string]any)["amount"])
}
