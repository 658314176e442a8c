// Package app 按配置组装流水线及其依赖，供 server 与 scanctl 共用。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitushen/postureguard/internal/archive"
	"github.com/hitushen/postureguard/internal/config"
	"github.com/hitushen/postureguard/internal/metrics"
	"github.com/hitushen/postureguard/internal/pipeline"
	"github.com/hitushen/postureguard/internal/realtime"
	"github.com/hitushen/postureguard/internal/reasoning"
	"github.com/hitushen/postureguard/internal/remediation"
	"github.com/hitushen/postureguard/internal/risk"
	"github.com/hitushen/postureguard/internal/scanner"
	"github.com/hitushen/postureguard/internal/store"
	"github.com/hitushen/postureguard/internal/targets"
)

// Runtime 持有组装好的组件。Metrics 与 Archive 未启用时为 nil。
type Runtime struct {
	Store          store.SessionStore
	Engine         *pipeline.Engine
	Broker         *realtime.Broker
	Metrics        *metrics.Recorder
	Archive        *archive.MinIO
	Validator      *targets.Validator
	ScannerBackend string
	// ReasoningModel 为空表示推理服务未启用。
	ReasoningModel string
}

// Build 打开存储并按配置创建各阶段依赖。
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	networks := cfg.AllowedNetworks
	if len(networks) == 0 {
		networks = targets.DefaultNetworks
	}
	validator, err := targets.NewValidator(networks, cfg.AllowedHosts)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rt := &Runtime{
		Store:     st,
		Broker:    realtime.NewBroker(),
		Validator: validator,
	}

	if cfg.MetricsEnabled {
		rec, err := metrics.New()
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		rt.Metrics = rec
	}

	if cfg.ArchiveEnabled() {
		arch, err := archive.New(archive.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Bucket:    cfg.ReportsBucket,
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		rt.Archive = arch
	}

	adapter := scanner.NewAdapter(discovererFor(cfg, logger), cfg.ScanTimeout, logger)
	rt.ScannerBackend = adapter.Backend()

	engine := reasoningEngine(cfg, logger)
	if client, ok := engine.(*reasoning.OpenAI); ok {
		rt.ReasoningModel = client.Model()
	}
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithPublisher(rt.Broker),
	}
	if obs := rt.Observer(); obs != nil {
		opts = append(opts, pipeline.WithObserver(obs))
	}
	if rt.Archive != nil {
		opts = append(opts, pipeline.WithArchiver(rt.Archive))
	}
	rt.Engine = pipeline.NewEngine(st, pipeline.Dependencies{
		Validator: validator,
		Scanner:   adapter,
		Assessor:  risk.New(engine, logger),
		Advisor:   remediation.New(engine, logger),
	}, opts...)

	logger.Info("pipeline ready",
		"scanner", rt.ScannerBackend,
		"reasoning", engine != nil,
		"archive", rt.Archive != nil,
		"networks", validator.Networks())
	return rt, nil
}

// Observer 返回指标观察者；未启用指标时返回 nil。
func (rt *Runtime) Observer() pipeline.Observer {
	if rt.Metrics == nil {
		return nil
	}
	return rt.Metrics
}

// Close 释放存储与事件连接。
func (rt *Runtime) Close() error {
	rt.Broker.Close()
	return rt.Store.Close()
}

func discovererFor(cfg *config.Config, logger *slog.Logger) scanner.Discoverer {
	switch cfg.Scanner {
	case config.ScannerNaabu:
		return scanner.NewNaabu()
	case config.ScannerNmap:
		return scanner.NewNmap(cfg.NmapPath, logger)
	default:
		return nil
	}
}

func reasoningEngine(cfg *config.Config, logger *slog.Logger) reasoning.Engine {
	client, err := reasoning.NewOpenAI(reasoning.Options{
		BaseURL:   cfg.AIBaseURL,
		APIKey:    cfg.AIAPIKey,
		Model:     cfg.AIModel,
		Timeout:   cfg.AITimeout,
		RateLimit: cfg.AIRateLimit,
	})
	if err != nil {
		if !errors.Is(err, reasoning.ErrUnavailable) {
			logger.Warn("reasoning engine disabled", "error", err)
		}
		return nil
	}
	return client
}
