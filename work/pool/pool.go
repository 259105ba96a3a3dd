package pool

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"stb-proxy/work/config"
	"stb-proxy/work/logger"
	"stb-proxy/work/metrics"
	"stb-proxy/work/occupancy"
	"stb-proxy/work/types"
)

var (
	// ErrNoAccounts means the source has no enabled accounts at all.
	ErrNoAccounts = errors.New("no accounts configured")
	// ErrNoFreeAccount means every candidate stayed at its stream limit.
	ErrNoFreeAccount = errors.New("no free account")
)

// Store persists account statistics and ordering.
type Store interface {
	IncrementRequests(ctx context.Context, sourceID, mac string) error
	AddStreamStats(ctx context.Context, sourceID, mac string, playtime float64, failed bool) error
	MoveAccountToBack(ctx context.Context, sourceID, mac string) error
}

// Options controls account selection.
type Options struct {
	WaitPolicy   string        // config.WaitPolicyPoll or config.WaitPolicySkip
	WaitInterval time.Duration // poll tick
	WaitBudget   time.Duration // poll time per account
	Shuffle      bool          // randomize the account order per call
}

// OptionsFromConfig maps the account settings onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WaitPolicy:   cfg.AccountWaitPolicy,
		WaitInterval: cfg.AccountWaitInterval,
		WaitBudget:   cfg.AccountWaitBudget,
		Shuffle:      cfg.ShuffleAccounts,
	}
}

// Request describes the playback an account is being selected for.
type Request struct {
	ChannelID string
	Client    string
	Web       bool
}

// AccountPool hands out accounts of a source within their concurrency limits.
// Selection reserves a slot in the occupancy registry so two requests can
// never both take the last slot of an account.
type AccountPool struct {
	registry *occupancy.Registry
	store    Store
	opts     Options
}

// New creates an account pool backed by registry and store.
func New(registry *occupancy.Registry, store Store, opts Options) *AccountPool {
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = 100 * time.Millisecond
	}
	return &AccountPool{registry: registry, store: store, opts: opts}
}

// candidates returns the enabled accounts of src in the order they should be
// tried, shuffled when configured.
func (p *AccountPool) candidates(src *types.Source) ([]types.Account, error) {
	accounts := src.EnabledAccounts()
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	if p.opts.Shuffle {
		rand.Shuffle(len(accounts), func(i, j int) { accounts[i], accounts[j] = accounts[j], accounts[i] })
	}
	return accounts, nil
}

// acquire reserves a slot on one account, waiting for a slot to free up when
// the poll policy is active. It returns false when the account stayed at its
// limit or ctx ended.
func (p *AccountPool) acquire(ctx context.Context, src *types.Source, acc types.Account, req Request) (*occupancy.Lease, bool) {
	stream := types.ActiveStream{
		SourceID:   src.ID,
		SourceName: src.Name,
		AccountMAC: acc.MAC,
		ChannelID:  req.ChannelID,
		Client:     req.Client,
		Web:        req.Web,
	}
	return p.reserve(ctx, stream, acc.MaxStreams)
}

// SelectAccount walks the candidates of src, skipping any MAC in exclude, and
// returns the first one whose slot could be reserved together with its lease.
// The caller owns the lease and must release it. A non-nil exclude also
// collects the MACs that stayed at their limit, so a later call passes over
// them without waiting again.
func (p *AccountPool) SelectAccount(ctx context.Context, src *types.Source, exclude map[string]bool, req Request) (types.Account, *occupancy.Lease, error) {
	accounts, err := p.candidates(src)
	if err != nil {
		return types.Account{}, nil, err
	}

	for _, acc := range accounts {
		if exclude[acc.MAC] {
			continue
		}
		if lease, ok := p.acquire(ctx, src, acc, req); ok {
			return acc, lease, nil
		}
		if ctx.Err() != nil {
			return types.Account{}, nil, ctx.Err()
		}
		if exclude != nil {
			exclude[acc.MAC] = true
		}
		logger.Info("{pool/pool - SelectAccount} Maximum streams for MAC(%s) in use", acc.MAC)
	}

	return types.Account{}, nil, ErrNoFreeAccount
}

// reserve tries to take a slot, polling until the wait budget is spent when the
// poll policy is active.
func (p *AccountPool) reserve(ctx context.Context, stream types.ActiveStream, maxStreams int) (*occupancy.Lease, bool) {
	if lease, ok := p.registry.Reserve(stream, maxStreams); ok {
		return lease, true
	}
	if p.opts.WaitPolicy == config.WaitPolicySkip || p.opts.WaitBudget <= 0 {
		return nil, false
	}

	ticker := time.NewTicker(p.opts.WaitInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(p.opts.WaitBudget)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-ticker.C:
			if lease, ok := p.registry.Reserve(stream, maxStreams); ok {
				return lease, true
			}
		}
	}
}

// MarkAttempt counts one stream attempt against the account.
func (p *AccountPool) MarkAttempt(ctx context.Context, sourceID, mac string) {
	if err := p.store.IncrementRequests(ctx, sourceID, mac); err != nil {
		logger.Warn("{pool/pool - MarkAttempt} Failed to count request for %s: %v", mac, err)
	}
}

// RecordStream adds a finished stream's playtime, and an error when it ended
// abnormally.
func (p *AccountPool) RecordStream(ctx context.Context, sourceID, mac string, playtime time.Duration, failed bool) {
	seconds := float64(playtime.Round(100*time.Millisecond)) / float64(time.Second)
	if err := p.store.AddStreamStats(ctx, sourceID, mac, seconds, failed); err != nil {
		logger.Warn("{pool/pool - RecordStream} Failed to save stats for %s: %v", mac, err)
	}
}

// RotateToBack moves the account behind every other account of its source.
// Its statistics are left untouched.
func (p *AccountPool) RotateToBack(ctx context.Context, sourceID, mac string) error {
	if err := p.store.MoveAccountToBack(ctx, sourceID, mac); err != nil {
		return err
	}
	metrics.AccountRotations.WithLabelValues(sourceID).Inc()
	logger.Info("{pool/pool - RotateToBack} Moved account %s to the back of source %s", mac, sourceID)
	return nil
}
