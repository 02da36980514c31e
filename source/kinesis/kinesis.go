// Package kinesis is a source reading every shard of a Kinesis stream.
// The resume offset of a shard is the sequence number of its last
// processed record, keyed by "<stream>/<shard id>".
package kinesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/jpillora/backoff"

	"tidemark/internal/config"
	"tidemark/internal/exchange"
	"tidemark/internal/logging"
	"tidemark/internal/resume"
	"tidemark/source"
)

const (
	EnvPrefix = "TIDEMARK_KINESIS__"

	HeaderShard    = "kinesis.shard"
	HeaderSequence = "kinesis.sequence"
	HeaderPartKey  = "kinesis.partition_key"

	ShardIteratorAfterSequenceNumber = "AFTER_SEQUENCE_NUMBER"
	ShardIteratorLatest              = "LATEST"
	ShardIteratorTrimHorizon         = "TRIM_HORIZON"
)

func init() { source.Register("kinesis", func() source.Adapter { return &Source{} }) }

type CacheCfg struct {
	Capacity   int    `koanf:"capacity" validate:"gte=0"`
	FillPolicy string `koanf:"fill_policy" validate:"omitempty,oneof=maximizing minimizing"`
}

type Config struct {
	Stream       string        `koanf:"stream" validate:"required"`
	Region       string        `koanf:"region"`
	Endpoint     string        `koanf:"endpoint"`
	IteratorType string        `koanf:"iterator_type" validate:"oneof=TRIM_HORIZON LATEST"`
	Limit        int64         `koanf:"limit" validate:"gte=1,lte=10000"`
	PollInterval time.Duration `koanf:"poll_interval"`
	MaxRetries   int           `koanf:"max_retries"`
	MaxInFlight  int64         `koanf:"max_in_flight" validate:"gte=1"`
	Cache        CacheCfg      `koanf:"cache"`
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := config.LoadFile(path, EnvPrefix, &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := config.Validate(&cfg); err != nil {
		return cfg, fmt.Errorf("kinesis source: %w", err)
	}
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.IteratorType == "" {
		c.IteratorType = ShardIteratorTrimHorizon
	}
	if c.Limit == 0 {
		c.Limit = 1000
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 10_000
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = resume.DefaultCacheCapacity
	}
}

type sequences struct {
	*resume.Cache
	log *slog.Logger
}

func (s *sequences) Resume(context.Context) error {
	s.log.Info("kinesis sequences restored", "shards", s.Len())
	return nil
}

type Source struct {
	cfg  Config
	svc  kinesisiface.KinesisAPI
	bp   *source.Controller
	seqs *sequences
	log  *slog.Logger
}

func (s *Source) Configure(raw any) error {
	var cfg Config
	switch v := raw.(type) {
	case Config:
		cfg = v
		applyDefaults(&cfg)
		if err := config.Validate(&cfg); err != nil {
			return fmt.Errorf("kinesis source: %w", err)
		}
	case string:
		var err error
		if cfg, err = LoadConfig(v); err != nil {
			return err
		}
	default:
		return fmt.Errorf("kinesis source: expected Config or path, got %T", raw)
	}
	if err := s.init(cfg); err != nil {
		return err
	}

	awsCfg := aws.NewConfig().WithMaxRetries(cfg.MaxRetries)
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return fmt.Errorf("aws session: %w", err)
	}
	s.svc = kinesis.New(sess)
	return nil
}

func (s *Source) init(cfg Config) error {
	policy, err := resume.ParseFillPolicy(cfg.Cache.FillPolicy)
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.log = logging.Component("source.kinesis").With("stream", cfg.Stream)
	s.bp = source.NewController(cfg.MaxInFlight)
	s.seqs = &sequences{Cache: resume.NewCache(cfg.Cache.Capacity, policy), log: s.log}
	return nil
}

func (s *Source) ResumeAdapter() resume.Adapter { return s.seqs }

func (s *Source) OffsetKey(shardID string) string { return s.cfg.Stream + "/" + shardID }

// Run reads every open shard. A shard is started once the shards it was
// split or merged from have been read to their end, so records of a key
// keep their order across a reshard. Run returns when every shard is closed
// or ctx is done.
func (s *Source) Run(ctx context.Context, emit source.EmitFunc) error {
	shards, err := s.listShards(ctx)
	if err != nil {
		return err
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []error
		started = map[string]bool{}
		closed  = map[string]bool{}
	)
	var launch func([]*kinesis.Shard)
	launch = func(shards []*kinesis.Shard) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range readyShards(shards, started, closed) {
			started[id] = true
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if !s.shardLoop(ctx, id, emit) {
					return
				}
				mu.Lock()
				closed[id] = true
				mu.Unlock()
				next, err := s.relistShards(ctx)
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("shard %s children: %w", id, err))
					mu.Unlock()
					return
				}
				launch(next)
			}(id)
		}
	}
	launch(shards)
	wg.Wait()
	return errors.Join(errs...)
}

// readyShards returns the shards not yet started whose parents are either
// closed or no longer listed.
func readyShards(shards []*kinesis.Shard, started, closed map[string]bool) []string {
	listed := make(map[string]bool, len(shards))
	for _, sh := range shards {
		listed[aws.StringValue(sh.ShardId)] = true
	}
	pending := func(parent *string) bool {
		id := aws.StringValue(parent)
		return id != "" && listed[id] && !closed[id]
	}
	var ready []string
	for _, sh := range shards {
		id := aws.StringValue(sh.ShardId)
		if started[id] || pending(sh.ParentShardId) || pending(sh.AdjacentParentShardId) {
			continue
		}
		ready = append(ready, id)
	}
	return ready
}

// listShards pages through the stream description.
func (s *Source) listShards(ctx context.Context) ([]*kinesis.Shard, error) {
	var shards []*kinesis.Shard
	in := &kinesis.DescribeStreamInput{StreamName: aws.String(s.cfg.Stream)}
	for {
		resp, err := s.svc.DescribeStreamWithContext(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("describe stream %s: %w", s.cfg.Stream, err)
		}
		page := resp.StreamDescription.Shards
		shards = append(shards, page...)
		if !aws.BoolValue(resp.StreamDescription.HasMoreShards) || len(page) == 0 {
			return shards, nil
		}
		in.ExclusiveStartShardId = page[len(page)-1].ShardId
	}
}

// relistShards retries listShards until it succeeds or ctx is done.
func (s *Source) relistShards(ctx context.Context) ([]*kinesis.Shard, error) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for attempt := 0; ; attempt++ {
		shards, err := s.listShards(ctx)
		if err == nil {
			return shards, nil
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		if attempt >= s.cfg.MaxRetries {
			return nil, err
		}
		d := b.Duration()
		s.log.Warn("describe stream failed, retrying", "err", err, "backoff", d)
		if !sleep(ctx, d) {
			return nil, nil
		}
	}
}

// shardLoop reads one shard and reports whether it was read to its end.
func (s *Source) shardLoop(ctx context.Context, shardID string, emit source.EmitFunc) bool {
	log := s.log.With("shard", shardID)
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}

	last := ""
	if off, ok := s.seqs.Get(s.OffsetKey(shardID)); ok {
		last = off.Value
	}

	var iter *string
	for {
		if ctx.Err() != nil {
			return false
		}
		if iter == nil {
			it, err := s.shardIterator(ctx, shardID, last)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				d := b.Duration()
				log.Warn("get shard iterator failed, retrying", "err", err, "backoff", d)
				if !sleep(ctx, d) {
					return false
				}
				continue
			}
			iter = it
		}

		resp, err := s.svc.GetRecordsWithContext(ctx, &kinesis.GetRecordsInput{
			ShardIterator: iter,
			Limit:         aws.Int64(s.cfg.Limit),
		})
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			d := b.Duration()
			log.Warn("get records failed, retrying", "err", err, "backoff", d)
			iter = nil
			if !sleep(ctx, d) {
				return false
			}
			continue
		}
		b.Reset()

		for _, r := range resp.Records {
			if err := s.emitRecord(ctx, shardID, r, emit); err != nil {
				return false
			}
			last = aws.StringValue(r.SequenceNumber)
		}

		if resp.NextShardIterator == nil {
			log.Info("shard closed")
			return true
		}
		iter = resp.NextShardIterator
		if len(resp.Records) == 0 && !sleep(ctx, s.cfg.PollInterval) {
			return false
		}
	}
}

func (s *Source) shardIterator(ctx context.Context, shardID, after string) (*string, error) {
	in := &kinesis.GetShardIteratorInput{
		ShardId:    aws.String(shardID),
		StreamName: aws.String(s.cfg.Stream),
	}
	if after != "" {
		in.ShardIteratorType = aws.String(ShardIteratorAfterSequenceNumber)
		in.StartingSequenceNumber = aws.String(after)
	} else {
		in.ShardIteratorType = aws.String(s.cfg.IteratorType)
	}
	s.log.Debug("get shard iterator", "shard", shardID, "type", aws.StringValue(in.ShardIteratorType), "sequence", after)
	resp, err := s.svc.GetShardIteratorWithContext(ctx, in)
	if err != nil {
		return nil, err
	}
	return resp.ShardIterator, nil
}

func (s *Source) emitRecord(ctx context.Context, shardID string, r *kinesis.Record, emit source.EmitFunc) error {
	if err := s.bp.Acquire(ctx); err != nil {
		return err
	}
	seq := aws.StringValue(r.SequenceNumber)
	ex := exchange.New([]byte(aws.StringValue(r.PartitionKey)), r.Data)
	ex.Headers[HeaderShard] = shardID
	ex.Headers[HeaderSequence] = seq
	ex.Headers[HeaderPartKey] = aws.StringValue(r.PartitionKey)
	resume.Attach(ex, resume.Offset{Key: s.OffsetKey(shardID), Value: seq})
	bp := s.bp
	ex.AddOnCompletion(exchange.Callbacks{
		Complete: func(*exchange.Exchange) { bp.Release() },
		Failure:  func(*exchange.Exchange) { bp.Release() },
	})
	if err := emit(ctx, ex); err != nil {
		s.log.Warn("emit failed", "shard", shardID, "sequence", seq, "err", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Source) Close() error {
	if s.bp != nil {
		s.bp.Close()
	}
	return nil
}
