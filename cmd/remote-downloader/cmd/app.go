package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"go-remote-download/internal/agent"
	"go-remote-download/internal/config"
	"go-remote-download/internal/database"
	"go-remote-download/internal/dircache"
	"go-remote-download/internal/executor"
	"go-remote-download/internal/manager"
)

// closers are released in reverse order by closeApp.
var closers []io.Closer

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func closeApp() {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			log.WithError(err).Warn("Error during shutdown")
		}
	}
	closers = nil
}

// sessionWithHistory closes the history log and then the SFTP session.
type sessionWithHistory struct {
	*agent.HistoryAgent
	session io.Closer
}

func (s sessionWithHistory) Close() error {
	err := s.HistoryAgent.Close()
	if cerr := s.session.Close(); err == nil {
		err = cerr
	}
	return err
}

// progress is shared by the agent and the executor callbacks of a command.
var progress = newProgressView()

// openManager wires the store, cache and agent from globalConfig. The remote
// session and the full-text index are opened on first use.
func openManager() (*manager.Manager, error) {
	return buildManager(false)
}

// openManagerWithCache is openManager for commands that act on the persistent
// directory cache itself, so a cache held by serve is an error instead of a
// silent memory-only fallback.
func openManagerWithCache() (*manager.Manager, error) {
	return buildManager(true)
}

func buildManager(requireCache bool) (*manager.Manager, error) {
	cfg := globalConfig

	store, err := database.Open(cfg.DatabasePath, database.Options{
		MaxRetries: cfg.StoreMaxRetries,
		RetryDelay: time.Duration(cfg.StoreRetryDelayMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, store)

	remote := agent.NewLazy(func(ctx context.Context) (agent.Agent, error) {
		if err := config.ValidateRemote(cfg); err != nil {
			return nil, err
		}
		sftpAgent, err := agent.Dial(ctx, agent.DialConfigFrom(cfg))
		if err != nil {
			return nil, err
		}
		sftpAgent.Progress = progress.update
		history, err := agent.NewHistoryAgent(sftpAgent, cfg.HistoryLogPath)
		if err != nil {
			log.WithError(err).Warn("Download history log disabled")
			return sftpAgent, nil
		}
		return sessionWithHistory{HistoryAgent: history, session: sftpAgent}, nil
	})
	closers = append(closers, remote)

	var cacheOpts []dircache.Option
	kv, err := dircache.OpenKV(cfg.CachePath)
	switch {
	case err != nil && requireCache:
		if errors.Is(err, dircache.ErrStoreLocked) {
			return nil, fmt.Errorf("%w; stop serve or use its POST /api/cache/clear", err)
		}
		return nil, err
	case err != nil:
		// Another process (usually serve) holds the cache; run memory only.
		log.WithError(err).Warnf("Directory cache at %s unavailable, caching in memory only", cfg.CachePath)
	default:
		closers = append(closers, kv)
		cacheOpts = append(cacheOpts, dircache.WithStore(kv))
	}
	cache := dircache.New(remote, time.Duration(cfg.CacheMaxAgeSec)*time.Second, cacheOpts...)
	closers = append(closers, closerFunc(func() error { cache.Close(); return nil }))

	if cfg.DisableIndex {
		cfg.BleveIndexPath = ""
	}

	mgr := manager.New(manager.Options{
		Config: cfg,
		Store:  store,
		Cache:  cache,
		Agent:  remote,
		Executor: executor.Options{
			CreateDestinations: cfg.CreateDestinations,
			MinFreeBytes:       uint64(max(cfg.MinFreeSpaceMB, 0)) << 20,
			OnStart:            progress.start,
			OnDone:             progress.done,
		},
	})
	closers = append(closers, mgr)
	return mgr, nil
}
