package arvo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// syncBackoffBase is the first retry delay after a retryable commit
// failure; each subsequent attempt doubles it.
var syncBackoffBase = time.Second

// CommandRegistrar is the remote command-registration surface. Commit
// failures are classified with ErrRemoteForbidden, ErrRemoteRateLimited
// and ErrRemoteTimeout.
type CommandRegistrar interface {
	// ListRegistered returns the command keys currently registered for
	// the guild.
	ListRegistered(ctx context.Context, guildID string) ([]string, error)

	// Commit applies the given key diff to the guild's registered
	// command set in a single publish.
	Commit(ctx context.Context, guildID string, add []string, remove []string) error
}

// guildSyncState serializes reconciliation for one guild and caches the
// last committed key set. The signal channel has size 1 so any number of
// reconcile requests arriving mid-flight coalesce into a single followup
// pass, which is correct because only the latest desired set matters.
type guildSyncState struct {
	guildID string
	signal  chan struct{}

	mu sync.Mutex
	// committed is the cached remote view, nil when unknown
	committed map[string]bool
}

// CommandSyncEngine reconciles each guild's desired command set against
// the remote registration surface using minimal diffs.
type CommandSyncEngine struct {
	registry  *CommandRegistry
	store     *GuildConfigStore
	registrar CommandRegistrar
	logger    *slog.Logger

	maxAttempts int
	limiter     *rate.Limiter

	mu     sync.Mutex
	guilds map[string]*guildSyncState

	runCtx context.Context
	runWG  sync.WaitGroup
}

func NewCommandSyncEngine(
	registry *CommandRegistry,
	store *GuildConfigStore,
	registrar CommandRegistrar,
	maxAttempts int,
	logger *slog.Logger,
) *CommandSyncEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultSyncMaxAttempts
	}
	return &CommandSyncEngine{
		registry:    registry,
		store:       store,
		registrar:   registrar,
		maxAttempts: maxAttempts,
		// Discord's per-application command registration budget is low;
		// pace commits well under it.
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		logger:  logger.With(loggerNameKey, "command_sync"),
		guilds:  map[string]*guildSyncState{},
	}
}

// Start attaches the engine to its run context and launches a worker
// for every guild already known, so signals enqueued before Start are
// still serviced. Workers stop when the context is cancelled.
func (e *CommandSyncEngine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runCtx = ctx
	for _, st := range e.guilds {
		e.runWG.Add(1)
		go e.worker(ctx, st)
	}
}

// Wait blocks until all guild workers have exited.
func (e *CommandSyncEngine) Wait() {
	e.runWG.Wait()
}

func (e *CommandSyncEngine) guildState(guildID string) *guildSyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.guilds[guildID]
	if !ok {
		st = &guildSyncState{
			guildID: guildID,
			signal:  make(chan struct{}, 1),
		}
		e.guilds[guildID] = st
		if e.runCtx != nil {
			e.runWG.Add(1)
			go e.worker(e.runCtx, st)
		}
	}
	return st
}

// Enqueue requests an asynchronous reconcile for the guild. Duplicate
// requests while one is pending or in flight are coalesced.
func (e *CommandSyncEngine) Enqueue(guildID string) {
	st := e.guildState(guildID)
	select {
	case st.signal <- struct{}{}:
	default:
		// a pass is already pending; it will see the latest state
	}
}

func (e *CommandSyncEngine) worker(ctx context.Context, st *guildSyncState) {
	defer e.runWG.Done()
	logger := e.logger.With("guild_id", st.guildID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-st.signal:
			if err := e.Reconcile(ctx, st.guildID); err != nil {
				logger.ErrorContext(ctx, "reconcile failed", tint.Err(err))
			}
		}
	}
}

// desiredKeys computes the keys that should be registered for a guild:
// all non-manageable commands plus every enabled manageable command.
func (e *CommandSyncEngine) desiredKeys(cfg *GuildConfig) map[string]bool {
	desired := map[string]bool{}
	for _, key := range e.registry.AllKeys(false) {
		desc, err := e.registry.Describe(key)
		if err != nil {
			continue
		}
		if !desc.Manageable || cfg.CommandEnabled(key) {
			desired[key] = true
		}
	}
	return desired
}

// Reconcile makes the guild's remote command set match the desired set.
// Serialized per guild; safe to run concurrently across guilds. When the
// diff is empty no remote call is made at all.
func (e *CommandSyncEngine) Reconcile(ctx context.Context, guildID string) error {
	st := e.guildState(guildID)
	st.mu.Lock()
	defer st.mu.Unlock()

	logger := e.logger.With("guild_id", guildID)

	cfg, err := e.store.Get(ctx, guildID)
	if err != nil {
		return err
	}
	desired := e.desiredKeys(cfg)

	current := st.committed
	if current == nil {
		keys, listErr := e.registrar.ListRegistered(ctx, guildID)
		if listErr != nil {
			return e.classify(guildID, fmt.Errorf("list registered: %w", listErr))
		}
		current = make(map[string]bool, len(keys))
		for _, k := range keys {
			current[k] = true
		}
	}

	toAdd := diffKeys(desired, current)
	toRemove := diffKeys(current, desired)
	if len(toAdd) == 0 && len(toRemove) == 0 {
		logger.DebugContext(ctx, "command set already in sync")
		st.committed = desired
		return nil
	}

	logger.InfoContext(
		ctx,
		"reconciling guild commands",
		"add", toAdd,
		"remove", toRemove,
	)

	var commitErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := syncBackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				st.committed = nil
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if commitErr = e.limiter.Wait(ctx); commitErr != nil {
			st.committed = nil
			return commitErr
		}

		commitErr = e.registrar.Commit(ctx, guildID, toAdd, toRemove)
		if commitErr == nil {
			st.committed = desired
			logger.InfoContext(ctx, "guild commands reconciled")
			return nil
		}
		if errors.Is(commitErr, ErrRemoteForbidden) {
			break
		}
		if !errors.Is(commitErr, ErrRemoteRateLimited) &&
			!errors.Is(commitErr, ErrRemoteTimeout) {
			break
		}
		logger.WarnContext(
			ctx,
			"retryable commit failure",
			"attempt", attempt+1,
			tint.Err(commitErr),
		)
	}

	// The remote surface may be in a mixed state now. Drop the cached
	// view so the next pass re-lists instead of trusting it.
	st.committed = nil
	return e.classify(guildID, commitErr)
}

func (e *CommandSyncEngine) classify(guildID string, err error) error {
	kind := RemoteSyncUnavailable
	if errors.Is(err, ErrRemoteForbidden) {
		kind = RemoteSyncForbidden
	}
	return &RemoteSyncError{GuildID: guildID, Kind: kind, Err: err}
}

// diffKeys returns the sorted keys present in a but not in b.
func diffKeys(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if !b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
