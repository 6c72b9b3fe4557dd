package apiserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/coldbell/options/backend/internal/config"
	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/coldbell/options/backend/internal/options"
	"github.com/coldbell/options/backend/internal/pda"
	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/coldbell/options/backend/internal/token"
	"github.com/gagliardetto/solana-go"
)

type Service struct {
	cfg              config.EngineConfig
	logger           *slog.Logger
	rt               *runtime.Runtime
	deriver          *pda.Deriver
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.EngineConfig, rt *runtime.Runtime, deriver *pda.Deriver, logger *slog.Logger) (*Service, error) {
	if rt == nil {
		return nil, errors.New("apiserver: runtime is required")
	}
	if deriver == nil {
		return nil, errors.New("apiserver: pda deriver is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		rt:               rt,
		deriver:          deriver,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/blockhash", s.handleBlockhash)
	mux.HandleFunc("/v1/transactions", s.handleTransactions)
	mux.HandleFunc("/v1/airdrop", s.handleAirdrop)
	mux.HandleFunc("/v1/accounts/", s.handleAccount)
	mux.HandleFunc("/v1/options/", s.handleOption)
	mux.HandleFunc("/v1/listings", s.handleListings)
	mux.HandleFunc("/v1/token-accounts/", s.handleTokenAccount)
	mux.HandleFunc("/ws", s.handleWebsocket)
	return s.withCORS(mux)
}

func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"ledger_driver", s.cfg.Ledger.Driver,
		"faucet_enabled", s.cfg.FaucetEnabled,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	_, slot := s.rt.LatestBlockhash()
	s.respondJSON(w, http.StatusOK, HealthResponse{OK: true, Slot: slot})
}

func (s *Service) handleBlockhash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	hash, slot := s.rt.LatestBlockhash()
	s.respondJSON(w, http.StatusOK, BlockhashResponse{Blockhash: hash.String(), Slot: slot})
}

func (s *Service) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request TransactionRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(request.Transaction))
	if err != nil || len(raw) == 0 {
		s.respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: "transaction must be base64", Name: ErrNameMalformedTransaction})
		return
	}

	receipt, err := s.rt.SubmitRaw(r.Context(), raw)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, receiptResponse(receipt))
}

func (s *Service) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	if !s.cfg.FaucetEnabled {
		s.respondJSON(w, http.StatusForbidden, ErrorResponse{Error: runtime.ErrFaucetDisabled.Error(), Name: ErrNameFaucetDisabled})
		return
	}

	var request AirdropRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.Pubkey))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid pubkey: %v", err))
		return
	}

	receipt, err := s.rt.Airdrop(r.Context(), to, request.Lamports)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, receiptResponse(receipt))
}

func (s *Service) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	key, ok := s.pathPubkey(w, r, "/v1/accounts/")
	if !ok {
		return
	}
	acct, ok := s.loadAccount(w, r, key)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, AccountResponse{
		Pubkey:   acct.Key.String(),
		Owner:    acct.Owner.String(),
		Lamports: acct.Lamports,
		Data:     acct.Data,
		Version:  acct.Version,
	})
}

func (s *Service) handleOption(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	optionMint, ok := s.pathPubkey(w, r, "/v1/options/")
	if !ok {
		return
	}
	key, _, err := s.deriver.OptionData(optionMint)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, ok := s.loadAccount(w, r, key)
	if !ok {
		return
	}
	data, err := options.DecodeOptionData(acct.Data)
	if err != nil {
		s.logger.Error("decode option data failed", "account", key, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to decode option data")
		return
	}
	s.respondJSON(w, http.StatusOK, OptionResponse{
		OptionMint:        optionMint.String(),
		OptionData:        key.String(),
		Creator:           data.Creator.String(),
		UnderlyingMint:    data.UnderlyingMint.String(),
		EndTime:           data.EndTime,
		StrikePrice:       data.StrikePrice,
		AmountUnexercised: data.AmountUnexercised,
		Call:              data.Call,
		Resellable:        data.Resellable,
		Expired:           data.Expired(s.rt.Now().Unix()),
	})
}

// handleListings returns one listing when option_mint, owner and price are
// all given, otherwise every listing of option_mint (optionally one owner's).
func (s *Service) handleListings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	optionMint, err := parseRequiredPubkey(r, "option_mint")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := parseOptionalPubkey(r, "owner")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parseOptionalUint64(r, "price")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if owner != nil && price != nil {
		key, _, err := s.deriver.Listing(optionMint, *owner, *price)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		acct, ok := s.loadAccount(w, r, key)
		if !ok {
			return
		}
		listing, err := options.DecodeListing(acct.Data)
		if err != nil {
			s.respondError(w, http.StatusNotFound, "account is not a listing")
			return
		}
		s.respondJSON(w, http.StatusOK, listingResponse(key, listing))
		return
	}

	accounts, err := s.rt.ScanOwner(r.Context(), s.deriver.ProgramID())
	if err != nil {
		s.logger.Error("scan listings failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}
	items := make([]ListingResponse, 0)
	for _, acct := range accounts {
		if !options.IsListing(acct.Data) {
			continue
		}
		listing, err := options.DecodeListing(acct.Data)
		if err != nil {
			continue
		}
		if !listing.OptionMint.Equals(optionMint) {
			continue
		}
		if owner != nil && !listing.Owner.Equals(*owner) {
			continue
		}
		if price != nil && listing.Price != *price {
			continue
		}
		items = append(items, listingResponse(acct.Key, listing))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Price != items[j].Price {
			return items[i].Price < items[j].Price
		}
		return items[i].Listing < items[j].Listing
	})
	s.respondJSON(w, http.StatusOK, listResponse[ListingResponse]{Items: items})
}

func (s *Service) handleTokenAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	key, ok := s.pathPubkey(w, r, "/v1/token-accounts/")
	if !ok {
		return
	}
	acct, ok := s.loadAccount(w, r, key)
	if !ok {
		return
	}
	if !acct.Owner.Equals(token.ProgramID) {
		s.respondError(w, http.StatusNotFound, "account is not a token account")
		return
	}
	state, err := token.DecodeAccount(acct.Data)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "account is not a token account")
		return
	}
	s.respondJSON(w, http.StatusOK, TokenAccountResponse{
		Pubkey: key.String(),
		Mint:   state.Mint.String(),
		Owner:  state.Owner.String(),
		Amount: state.Amount,
	})
}

func (s *Service) pathPubkey(w http.ResponseWriter, r *http.Request, prefix string) (solana.PublicKey, bool) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if raw == "" {
		s.respondError(w, http.StatusNotFound, "not found")
		return solana.PublicKey{}, false
	}
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid pubkey %q: %v", raw, err))
		return solana.PublicKey{}, false
	}
	return key, true
}

func (s *Service) loadAccount(w http.ResponseWriter, r *http.Request, key solana.PublicKey) (*ledger.Account, bool) {
	acct, err := s.rt.GetAccount(r.Context(), key)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("account %s not found", key))
		return nil, false
	}
	if err != nil {
		s.logger.Error("get account failed", "account", key, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load account")
		return nil, false
	}
	return acct, true
}

// respondEngineError maps runtime and program failures onto HTTP statuses.
// Conflicts and stale blockhashes are 409 so clients know to re-sign.
func (s *Service) respondEngineError(w http.ResponseWriter, err error) {
	body := ErrorResponse{Error: err.Error()}
	var ixErr *runtime.InstructionError
	if errors.As(err, &ixErr) {
		index := ixErr.Index
		body.Instruction = &index
	}

	status := http.StatusInternalServerError
	if perr, ok := options.AsError(err); ok {
		status = http.StatusUnprocessableEntity
		body.Code = perr.Code
		body.Name = perr.Name
	} else {
		switch {
		case runtime.IsConflict(err):
			status, body.Name = http.StatusConflict, ErrNameAccountConflict
		case errors.Is(err, runtime.ErrBlockhashNotFound):
			status, body.Name = http.StatusConflict, ErrNameBlockhashNotFound
		case errors.Is(err, runtime.ErrAlreadyProcessed):
			status, body.Name = http.StatusConflict, ErrNameAlreadyProcessed
		case errors.Is(err, runtime.ErrSignatureVerification):
			status, body.Name = http.StatusBadRequest, ErrNameSignatureVerification
		case errors.Is(err, runtime.ErrMalformedTransaction):
			status, body.Name = http.StatusBadRequest, ErrNameMalformedTransaction
		case errors.Is(err, runtime.ErrFaucetDisabled):
			status, body.Name = http.StatusForbidden, ErrNameFaucetDisabled
		case errors.Is(err, runtime.ErrAirdropAmount):
			status, body.Name = http.StatusBadRequest, ErrNameInvalidAirdrop
		case ixErr != nil:
			status = http.StatusUnprocessableEntity
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("transaction failed", "err", err)
	} else {
		s.logger.Debug("transaction rejected", "err", err, "status", status)
	}
	s.respondJSON(w, status, body)
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.isOriginAllowed(origin)
			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func receiptResponse(receipt *runtime.Receipt) ReceiptResponse {
	return ReceiptResponse{
		Signature: receipt.Signature.String(),
		Slot:      receipt.Slot,
		Events:    receipt.Events,
	}
}

func listingResponse(key solana.PublicKey, l *options.Listing) ListingResponse {
	return ListingResponse{
		Listing:        key.String(),
		UnderlyingMint: l.UnderlyingMint.String(),
		OptionMint:     l.OptionMint.String(),
		Owner:          l.Owner.String(),
		Amount:         l.Amount,
		Price:          l.Price,
	}
}

func parseOptionalUint64(r *http.Request, key string) (*uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &value, nil
}

func parseOptionalPubkey(r *http.Request, key string) (*solana.PublicKey, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	value, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &value, nil
}

func parseRequiredPubkey(r *http.Request, key string) (solana.PublicKey, error) {
	value, err := parseOptionalPubkey(r, key)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if value == nil {
		return solana.PublicKey{}, fmt.Errorf("%s is required", key)
	}
	return *value, nil
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, ErrorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
