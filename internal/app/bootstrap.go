package app

import (
	"time"

	"matchbot/internal/adapters/telegram"
	"matchbot/internal/config"
	"matchbot/internal/eventbus"
	"matchbot/internal/notify"
	"matchbot/internal/scheduler"
	"matchbot/internal/storage"
)

// The map* helpers convert duration strings from the config file into the
// typed component configs. Zero/omitted values defer to each component's
// own defaults.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapBusConfig(cfg *config.Config) (eventbus.Config, error) {
	base, err := config.ParseDurationField("event_bus.retry_base", cfg.EventBus.RetryBase)
	if err != nil {
		return eventbus.Config{}, err
	}
	return eventbus.Config{
		MaxAttempts:    cfg.EventBus.MaxAttempts,
		RetryBase:      base,
		DeadLetterSize: cfg.EventBus.DeadLetterSize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	base, err := config.ParseDurationField("scheduler.retry_base", cfg.Scheduler.RetryBase)
	if err != nil {
		return scheduler.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("scheduler.retry_max_delay", cfg.Scheduler.RetryMaxDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	sweep, err := config.ParseDurationField("scheduler.sweep_every", cfg.Scheduler.SweepEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		QueueSize:     cfg.Scheduler.QueueSize,
		RetryMax:      cfg.Scheduler.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   cfg.Scheduler.RetryJitter,
		SweepEvery:    sweep,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notifier
	quotaWindow, err := config.ParseDurationField("notifier.quota_window", n.QuotaWindow)
	if err != nil {
		return notify.Config{}, err
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	batchPause, err := config.ParseDurationField("notifier.batch_pause", n.BatchPause)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Workers:        n.Workers,
		QueueSize:      n.QueueSize,
		SendRate:       n.SendRatePerSec,
		SendBurst:      n.SendBurst,
		ScopeQuota:     n.ScopeQuota,
		QuotaWindow:    quotaWindow,
		RetryMax:       n.RetryMax,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMaxDelay,
		RetryJitter:    n.RetryJitter,
		BatchChunkSize: n.BatchChunkSize,
		BatchPause:     batchPause,
	}, nil
}
