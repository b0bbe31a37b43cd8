package main

import (
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/notedb/internal/changenotes"
	"github.com/MarcoPoloResearchLab/notedb/internal/config"
	"github.com/MarcoPoloResearchLab/notedb/internal/database"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
	"github.com/MarcoPoloResearchLab/notedb/internal/kvstore"
	"github.com/MarcoPoloResearchLab/notedb/internal/logging"
	"github.com/MarcoPoloResearchLab/notedb/internal/sequence"
	"github.com/MarcoPoloResearchLab/notedb/internal/updates"
)

// runtime bundles what every command needs: configuration, logger and the
// opened repository.
type runtime struct {
	cfg     config.AppConfig
	logger  *zap.Logger
	repo    git.Repository
	options changenotes.Options
	closeFn func() error
}

func openRuntime(configViper *viper.Viper) (*runtime, error) {
	appConfig, err := config.Load(configViper)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	repo, closeFn, err := openRepository(appConfig, logger)
	if err != nil {
		logger.Sync() //nolint:errcheck
		return nil, err
	}

	return &runtime{
		cfg:    appConfig,
		logger: logger,
		repo:   repo,
		options: changenotes.Options{
			ServerID:    appConfig.ServerID,
			ServerIdent: git.PersonIdent{Name: appConfig.ServerIdentName, Email: appConfig.ServerIdentEmail},
		},
		closeFn: closeFn,
	}, nil
}

func openRepository(appConfig config.AppConfig, logger *zap.Logger) (git.Repository, func() error, error) {
	switch appConfig.StorageBackend {
	case config.BackendSQLite:
		repo, err := database.OpenRepository(appConfig.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case config.BackendBadger:
		repo, err := kvstore.Open(kvstore.Config{Path: appConfig.BadgerPath, SyncWrites: true, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case config.BackendMemory:
		return git.NewMemoryRepository(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", appConfig.StorageBackend)
	}
}

func (r *runtime) Close() error {
	err := r.closeFn()
	r.logger.Sync() //nolint:errcheck
	return err
}

func (r *runtime) sequence(name string) (*sequence.RepoSequence, error) {
	start := 1
	switch name {
	case sequence.NameChanges:
		start = r.cfg.ChangesStart
	case sequence.NameAccounts:
		start = r.cfg.AccountsStart
	}
	retry := sequence.DefaultRetryPolicy()
	retry.MaxAttempts = r.cfg.MaxAttempts
	initialBackoff := r.cfg.InitialBackoff
	retry.NewBackOff = func() backoff.BackOff {
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialBackoff
		exponential.MaxElapsedTime = 0
		return exponential
	}
	return sequence.New(sequence.Config{
		Repository: r.repo,
		Name:       name,
		Start:      start,
		BatchSize:  r.cfg.SequenceBatchSize,
		Retry:      retry,
		Logger:     r.logger,
	})
}

func (r *runtime) updateManager() (*updates.Manager, error) {
	changes, err := r.sequence(sequence.NameChanges)
	if err != nil {
		return nil, err
	}
	return updates.NewManager(updates.Config{
		Repository: r.repo,
		Options:    r.options,
		MaxUpdates: r.cfg.MaxUpdates,
		Horizon:    r.cfg.UpdatesHorizon,
		Changes:    changes,
		Logger:     r.logger,
	})
}
