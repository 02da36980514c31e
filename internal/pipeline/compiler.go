package pipeline

import (
	"context"
	"errors"
	"fmt"

	"tidemark/internal/config"
	"tidemark/internal/idempotent"
	"tidemark/internal/idempotent/redisrepo"
	"tidemark/internal/idempotent/sqlrepo"
	"tidemark/internal/resume"
	"tidemark/internal/resume/kafkastore"
	"tidemark/internal/resume/redisstore"
	"tidemark/internal/resume/sqlstore"
	"tidemark/internal/spec"
	"tidemark/internal/storage"
	"tidemark/sink"
	"tidemark/source"
)

// Compile builds a runner from the pipeline file at path. Source and sink
// drivers must be registered by the caller (blank imports).
func Compile(ctx context.Context, path string) (*Runner, error) {
	cfg, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, err
	}
	return Build(ctx, cfg)
}

// Build wires a runner from an already parsed pipeline file. Stores opened
// here are closed again when a later step fails.
func Build(ctx context.Context, cfg spec.File) (_ *Runner, err error) {
	r := NewRunner()
	defer func() {
		if err != nil {
			_ = r.Close(context.Background())
		}
	}()

	/*──────── source ───────*/
	src, err := source.NewAdapter(cfg.Source.Kind)
	if err != nil {
		return nil, err
	}
	if err = src.Configure(cfg.Source.Config); err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Source.Kind, err)
	}
	r.SetSource(src)

	/*──────── resume ───────*/
	if cfg.Resume.Strategy != "" {
		rs, ok := src.(source.Resumable)
		if !ok {
			return nil, fmt.Errorf("source %s is not resumable", cfg.Source.Kind)
		}
		name := cfg.Resume.Name
		if name == "" {
			name = cfg.Source.Kind
		}
		strategy, err := newStrategy(ctx, name, cfg.Resume)
		if err != nil {
			return nil, fmt.Errorf("resume %s: %w", cfg.Resume.Strategy, err)
		}
		strategy.SetAdapter(rs.ResumeAdapter())
		proc := resume.NewProcessor(strategy, resume.Config{
			Ordered:        cfg.Resume.Ordered,
			Capacity:       cfg.Resume.Capacity,
			CommitInterval: cfg.Resume.CommitInterval,
			Intermittent:   cfg.Resume.Intermittent,
			UpdateTimeout:  cfg.Resume.UpdateTimeout,
		})
		r.AddProcessor("resume", proc)
		r.OnStart(func(ctx context.Context) error {
			if err := resume.Apply(ctx, strategy); err != nil {
				return err
			}
			proc.Start(ctx)
			return nil
		})
		r.OnClose(func(ctx context.Context) error {
			return errors.Join(proc.Close(ctx), strategy.Close())
		})
	}

	/*──────── idempotent consumer ───────*/
	if cfg.Idempotent.Repository != "" {
		ic := cfg.Idempotent
		if ic.MessageID == "" {
			return nil, errors.New("idempotent: message_id is required")
		}
		id, err := idempotent.ParseMessageID(ic.MessageID)
		if err != nil {
			return nil, err
		}
		name := ic.Name
		if name == "" {
			name = cfg.Source.Kind
		}
		repo, err := newRepository(ctx, name, ic)
		if err != nil {
			return nil, fmt.Errorf("idempotent %s: %w", ic.Repository, err)
		}
		r.OnClose(func(context.Context) error { return idempotent.Close(repo) })

		var opts []idempotent.Option
		if ic.Eager != nil {
			opts = append(opts, idempotent.WithEager(*ic.Eager))
		}
		if ic.SkipDuplicate != nil {
			opts = append(opts, idempotent.WithSkipDuplicate(*ic.SkipDuplicate))
		}
		if ic.RemoveOnFailure != nil {
			opts = append(opts, idempotent.WithRemoveOnFailure(*ic.RemoveOnFailure))
		}
		opts = append(opts, idempotent.WithCompletionTimeout(ic.CompletionTimeout))
		r.AddProcessor("idempotent", idempotent.NewConsumer(name, repo, id, opts...))
		r.OnStart(func(ctx context.Context) error { return idempotent.Start(ctx, repo) })
	}

	/*──────── sinks ───────*/
	for i, sc := range cfg.Sinks {
		s, err := sink.NewAdapter(sc.Kind)
		if err != nil {
			return nil, err
		}
		if err := s.Configure(sc.Config); err != nil {
			return nil, fmt.Errorf("sink %s: %w", sc.Kind, err)
		}
		r.AddSink(fmt.Sprintf("%s#%d", sc.Kind, i), s)
	}
	return r, nil
}

func newStrategy(ctx context.Context, name string, rc spec.ResumeSpec) (resume.Strategy, error) {
	switch rc.Strategy {
	case "transient", "memory":
		return resume.NewTransient(), nil
	case "sql":
		dialect, err := storage.ParseDialect(rc.SQL.Dialect)
		if err != nil {
			return nil, err
		}
		return sqlstore.Open(ctx, dialect, rc.SQL.DSN, name)
	case "redis":
		return redisstore.Open(ctx, redisstore.Options{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
			Prefix:   rc.Redis.Prefix,
		}, name)
	case "kafka":
		return kafkastore.Open(kafkastore.Options{
			Brokers:         rc.Kafka.Brokers,
			Topic:           rc.Kafka.Topic,
			Version:         rc.Kafka.Version,
			LoadIdleTimeout: rc.Kafka.LoadIdleTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown resume strategy %q", rc.Strategy)
	}
}

func newRepository(ctx context.Context, name string, ic spec.IdempotentSpec) (idempotent.Repository, error) {
	var repo idempotent.Repository
	switch ic.Repository {
	case "memory":
		return idempotent.NewMemory(ic.MemorySize), nil
	case "sql":
		dialect, err := storage.ParseDialect(ic.SQL.Dialect)
		if err != nil {
			return nil, err
		}
		sr, err := sqlrepo.Open(ctx, dialect, ic.SQL.DSN, sqlrepo.Options{
			Name:              name,
			LockMaxAge:        ic.SQL.LockMaxAge,
			KeepAliveInterval: ic.SQL.KeepAliveInterval,
		})
		if err != nil {
			return nil, err
		}
		repo = sr
	case "redis":
		rr, err := redisrepo.Open(ctx, redisrepo.Options{
			Addr:     ic.Redis.Addr,
			Password: ic.Redis.Password,
			DB:       ic.Redis.DB,
			Prefix:   ic.Redis.Prefix,
			Name:     name,
			Expiry:   ic.Redis.Expiry,
		})
		if err != nil {
			return nil, err
		}
		repo = rr
	default:
		return nil, fmt.Errorf("unknown idempotent repository %q", ic.Repository)
	}
	if ic.CacheSize > 0 {
		repo = idempotent.NewCached(repo, ic.CacheSize)
	}
	return repo, nil
}
