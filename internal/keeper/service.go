// Package keeper watches the ledger for option series that have passed their
// expiry with collateral still locked and announces them once.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coldbell/options/backend/internal/ledger"
	"github.com/coldbell/options/backend/internal/options"
	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

const EventSeriesExpired = "series.expired"

type Config struct {
	ProgramID    solana.PublicKey
	PollInterval time.Duration
}

// Ledger is the read side of the runtime the keeper needs.
type Ledger interface {
	ScanOwner(ctx context.Context, owner solana.PublicKey) ([]*ledger.Account, error)
	LatestBlockhash() (solana.Hash, uint64)
	Now() time.Time
}

type Publisher interface {
	Publish(events ...runtime.Event)
}

type Service struct {
	cfg       Config
	ledger    Ledger
	publisher Publisher
	logger    *slog.Logger

	mu        sync.Mutex
	announced map[solana.PublicKey]struct{}
}

type expiredSeries struct {
	key  solana.PublicKey
	data *options.OptionData
}

func New(cfg Config, l Ledger, publisher Publisher, logger *slog.Logger) (*Service, error) {
	if cfg.ProgramID.IsZero() {
		return nil, errors.New("keeper: program id is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("keeper: invalid poll interval %s", cfg.PollInterval)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		ledger:    l,
		publisher: publisher,
		logger:    logger,
		announced: make(map[solana.PublicKey]struct{}),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"options_program", s.cfg.ProgramID,
		"poll_interval", s.cfg.PollInterval,
	)

	if _, err := s.tick(ctx); err != nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.tick(ctx); err != nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

// tick announces every newly expired series and returns how many it found.
func (s *Service) tick(ctx context.Context) (int, error) {
	accounts, err := s.ledger.ScanOwner(ctx, s.cfg.ProgramID)
	if err != nil {
		return 0, fmt.Errorf("scan program accounts: %w", err)
	}

	now := s.ledger.Now().Unix()
	expired := make([]expiredSeries, 0)
	active := 0
	for _, acct := range accounts {
		if !options.IsOptionData(acct.Data) {
			continue
		}
		data, err := options.DecodeOptionData(acct.Data)
		if err != nil {
			s.logger.Warn("skip undecodable option data", "account", acct.Key, "err", err)
			continue
		}
		if !data.Expired(now) {
			active++
			continue
		}
		if data.AmountUnexercised == 0 || s.wasAnnounced(acct.Key) {
			continue
		}
		expired = append(expired, expiredSeries{key: acct.Key, data: data})
	}
	if len(expired) == 0 {
		s.logger.Debug("keeper tick", "active_series", active)
		return 0, nil
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].data.EndTime < expired[j].data.EndTime
	})

	_, slot := s.ledger.LatestBlockhash()
	events := make([]runtime.Event, 0, len(expired))
	for _, series := range expired {
		s.markAnnounced(series.key)
		events = append(events, runtime.Event{
			ID:      uuid.NewString(),
			Channel: runtime.ChannelSeries,
			Type:    EventSeriesExpired,
			Slot:    slot,
			Data: map[string]any{
				"option_data":        series.key.String(),
				"creator":            series.data.Creator.String(),
				"underlying_mint":    series.data.UnderlyingMint.String(),
				"end_time":           series.data.EndTime,
				"amount_unexercised": series.data.AmountUnexercised,
				"call":               series.data.Call,
			},
			Timestamp: now,
		})
		s.logger.Info("series expired with collateral locked",
			"option_data", series.key,
			"creator", series.data.Creator,
			"amount_unexercised", series.data.AmountUnexercised,
		)
	}
	if s.publisher != nil {
		s.publisher.Publish(events...)
	}
	return len(expired), nil
}

func (s *Service) wasAnnounced(key solana.PublicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.announced[key]
	return ok
}

func (s *Service) markAnnounced(key solana.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announced[key] = struct{}{}
}
