package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/voxgate/internal/answer"
	"github.com/ent0n29/voxgate/internal/audiocache"
	"github.com/ent0n29/voxgate/internal/blob"
	"github.com/ent0n29/voxgate/internal/config"
	"github.com/ent0n29/voxgate/internal/conversation"
	"github.com/ent0n29/voxgate/internal/dialogue"
	"github.com/ent0n29/voxgate/internal/gateway"
	"github.com/ent0n29/voxgate/internal/interaction"
	"github.com/ent0n29/voxgate/internal/logging"
	"github.com/ent0n29/voxgate/internal/observability"
	"github.com/ent0n29/voxgate/internal/recognition"
	"github.com/ent0n29/voxgate/internal/session"
	"github.com/ent0n29/voxgate/internal/synthesis"
)

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
	DefaultModelID string
}

type BuildResult struct {
	Config       config.Config
	API          *gateway.Server
	Sessions     *session.Manager
	Interactions *interaction.Log
	AudioCache   *audiocache.Cache
	Metrics      *observability.Metrics
	Voice        VoiceInfo

	// Cleanup should be called on shutdown to release external resources (DB, Redis, etc).
	Cleanup func(ctx context.Context) error

	startJanitors func(ctx context.Context)
}

// StartBackground runs the session, cache and interaction janitors until ctx ends.
func (b *BuildResult) StartBackground(ctx context.Context) {
	if b.startJanitors != nil {
		b.startJanitors(ctx)
	}
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	var closers []func(context.Context) error
	fail := func(err error) (*BuildResult, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i](context.Background())
		}
		return nil, err
	}

	var rdb *redis.Client
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		closers = append(closers, func(context.Context) error { return rdb.Close() })
	}

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		return fail(err)
	}

	engine, err := answer.NewEngine(answer.Config{
		Mode:         cfg.AnswerEngineMode,
		URL:          cfg.AnswerEngineURL,
		StreamStrict: cfg.AnswerStreamStrict,
		Timeout:      cfg.ProviderTimeout,
	})
	if err != nil {
		return fail(fmt.Errorf("answer engine init failed: %w", err))
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("blob store init failed: %w", err))
	}

	var index audiocache.Index = audiocache.NewMemoryIndex(cfg.AudioCacheTTL)
	if rdb != nil {
		index = audiocache.NewRedisIndex(rdb, cfg.RedisPrefix, cfg.AudioCacheTTL)
	}
	cache := audiocache.New(audiocache.Options{
		Index:   index,
		Blobs:   blobs,
		Metrics: metrics,
		Logger:  logging.WithComponent("audiocache"),
	})

	store, err := interaction.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("interaction store init failed: %w", err))
	}
	interactions := interaction.NewLog(interaction.LogOptions{
		Store:     store,
		QueueSize: cfg.InteractionQueueSize,
		Retention: cfg.InteractionRetention,
		Metrics:   metrics,
		Logger:    logging.WithComponent("interaction"),
	})
	closers = append(closers, interactions.Close)

	var sessionStore session.Store
	if rdb != nil {
		sessionStore = session.NewRedisStoreFromClient(rdb, cfg.RedisPrefix)
	}
	sessions := session.NewManager(session.Options{
		MaxSessions: cfg.MaxSessions,
		TTL:         cfg.SessionTTL,
		Grace:       cfg.SessionGrace,
		Retention:   cfg.SessionRetention,
		Store:       sessionStore,
		Logger:      logging.WithComponent("session"),
	})
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		interactions.Forget(s.ID)
	})

	recognizer := recognition.New(recognition.Options{
		Provider:      voiceSetup.stt,
		ChunkDeadline: cfg.ChunkDeadline,
		FinalDeadline: cfg.ProviderTimeout,
		RetryBackoff:  cfg.RetryBackoff,
		Metrics:       metrics,
		Logger:        logging.WithComponent("recognition"),
	})
	responder := dialogue.New(dialogue.Options{
		Engine:              engine,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		EngineTimeout:       cfg.ProviderTimeout,
		RetryBackoff:        cfg.RetryBackoff,
		Metrics:             metrics,
		Logger:              logging.WithComponent("dialogue"),
	})
	synthesizer := synthesis.New(synthesis.Options{
		Provider:     voiceSetup.tts,
		Cache:        cache,
		DefaultVoice: voiceSetup.defaultVoiceID,
		ModelID:      voiceSetup.defaultModelID,
		Deadline:     cfg.ProviderTimeout,
		RetryBackoff: cfg.RetryBackoff,
		Metrics:      metrics,
		Logger:       logging.WithComponent("synthesis"),
	})

	runner := conversation.NewRunner(conversation.Options{
		Sessions:                sessions,
		Recognition:             recognizer,
		Dialogue:                responder,
		Synthesis:               synthesizer,
		Interactions:            interactions,
		AudioURL:                func(ref string) string { return gateway.AudioURL(cfg.PublicBaseURL, ref) },
		IdleTimeout:             cfg.IdleTimeout,
		MaxPendingInputs:        cfg.MaxPendingInputs,
		ContextMaxTurns:         cfg.ContextMaxTurns,
		ContextMaxChars:         cfg.ContextMaxChars,
		WakeWord:                cfg.WakeWord,
		FinalTranscriptDeadline: cfg.ProviderTimeout,
		Metrics:                 metrics,
		Logger:                  logging.WithComponent("conversation"),
	})

	var limiter gateway.ConnLimiter = gateway.NewLocalLimiter(cfg.MaxConnections)
	if cfg.ConnectionCounterRedis && rdb != nil {
		limiter = gateway.NewRedisLimiter(rdb, cfg.ConnectionCounterPrefix, cfg.MaxConnections)
	}

	api := gateway.New(gateway.Deps{
		Config:        cfg,
		Sessions:      sessions,
		Conversations: runner,
		Synthesis:     synthesizer,
		Recognition:   recognizer,
		Audio:         cache,
		Interactions:  interactions,
		Limiter:       limiter,
		Metrics:       metrics,
		Logger:        logging.WithComponent("gateway"),
		Ready: func(ctx context.Context) error {
			if rdb == nil {
				return nil
			}
			return rdb.Ping(ctx).Err()
		},
	})

	cleanup := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Interactions: interactions,
		AudioCache:   cache,
		Metrics:      metrics,
		Voice: VoiceInfo{
			Provider:       voiceSetup.resolved,
			Detail:         voiceSetup.detail,
			DefaultVoiceID: voiceSetup.defaultVoiceID,
			DefaultModelID: voiceSetup.defaultModelID,
		},
		Cleanup: cleanup,
		startJanitors: func(ctx context.Context) {
			sessions.StartJanitor(ctx, cfg.SweepInterval)
			cache.StartJanitor(ctx, cfg.CacheSweepInterval)
			interactions.StartJanitor(ctx, time.Hour)
		},
	}, nil
}

func newBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.BlobBackend)) {
	case "", "memory":
		return blob.NewMemoryStore(), nil
	case "fs":
		return blob.NewFSStore(cfg.BlobDir)
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket: cfg.S3Bucket,
			Prefix: cfg.S3Prefix,
			Region: cfg.S3Region,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}
