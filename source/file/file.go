// Package file is a source that emits a local file line by line. The
// resume offset of a file is the byte position after the last processed
// line, keyed by the cleaned file path.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tidemark/internal/config"
	"tidemark/internal/exchange"
	"tidemark/internal/logging"
	"tidemark/internal/resume"
	"tidemark/source"
)

const (
	EnvPrefix    = "TIDEMARK_FILE__"
	HeaderPath   = "file.path"
	HeaderOffset = "file.offset"
)

func init() { source.Register("file", func() source.Adapter { return &Source{} }) }

type CacheCfg struct {
	Capacity   int    `koanf:"capacity" validate:"gte=0"`
	FillPolicy string `koanf:"fill_policy" validate:"omitempty,oneof=maximizing minimizing"`
}

type Config struct {
	Path string `koanf:"path" validate:"required"`
	// Follow keeps polling for appended lines instead of stopping at EOF.
	Follow       bool          `koanf:"follow"`
	PollInterval time.Duration `koanf:"poll_interval"`
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
		return cfg, fmt.Errorf("file source: %w", err)
	}
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 1000
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = resume.DefaultCacheCapacity
	}
}

type positions struct {
	*resume.Cache
	log *slog.Logger
}

func (p *positions) Resume(context.Context) error {
	p.log.Info("file positions restored", "files", p.Len())
	return nil
}

type Source struct {
	cfg  Config
	path string
	bp   *source.Controller
	pos  *positions
	log  *slog.Logger
}

func (s *Source) Configure(raw any) error {
	var cfg Config
	switch v := raw.(type) {
	case Config:
		cfg = v
		applyDefaults(&cfg)
		if err := config.Validate(&cfg); err != nil {
			return fmt.Errorf("file source: %w", err)
		}
	case string:
		var err error
		if cfg, err = LoadConfig(v); err != nil {
			return err
		}
	default:
		return fmt.Errorf("file source: expected Config or path, got %T", raw)
	}
	policy, err := resume.ParseFillPolicy(cfg.Cache.FillPolicy)
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.path = filepath.Clean(cfg.Path)
	s.log = logging.Component("source.file").With("path", s.path)
	s.bp = source.NewController(cfg.MaxInFlight)
	s.pos = &positions{Cache: resume.NewCache(cfg.Cache.Capacity, policy), log: s.log}
	return nil
}

func (s *Source) ResumeAdapter() resume.Adapter { return s.pos }

// OffsetKey is the resume key of the configured file.
func (s *Source) OffsetKey() string { return s.path }

func (s *Source) start(f *os.File) (int64, error) {
	off, ok := s.pos.Get(s.path)
	if !ok {
		return 0, nil
	}
	n, err := off.Int64()
	if err != nil {
		return 0, err
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if n > st.Size() {
		s.log.Warn("file shorter than restored position, reading from start", "position", n, "size", st.Size())
		return 0, nil
	}
	if _, err := f.Seek(n, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek %s: %w", s.path, err)
	}
	return n, nil
}

func (s *Source) Run(ctx context.Context, emit source.EmitFunc) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	pos, err := s.start(f)
	if err != nil {
		return err
	}
	s.log.Info("reading file", "position", pos, "follow", s.cfg.Follow)

	r := bufio.NewReader(f)
	var partial []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		chunk, err := r.ReadBytes('\n')
		partial = append(partial, chunk...)
		if errors.Is(err, io.EOF) {
			if !s.cfg.Follow {
				if len(partial) > 0 {
					pos += int64(len(partial))
					if err := s.emitLine(ctx, emit, partial, pos); err != nil {
						return err
					}
				}
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", s.path, err)
		}
		pos += int64(len(partial))
		if err := s.emitLine(ctx, emit, partial, pos); err != nil {
			return err
		}
		partial = nil
	}
}

func (s *Source) emitLine(ctx context.Context, emit source.EmitFunc, line []byte, end int64) error {
	if err := s.bp.Acquire(ctx); err != nil {
		return nil
	}
	body := bytes.TrimRight(line, "\r\n")
	ex := exchange.New(nil, append([]byte(nil), body...))
	ex.Headers[HeaderPath] = s.path
	ex.Headers[HeaderOffset] = strconv.FormatInt(end, 10)
	resume.Attach(ex, resume.IntOffset(s.path, end))
	bp := s.bp
	ex.AddOnCompletion(exchange.Callbacks{
		Complete: func(*exchange.Exchange) { bp.Release() },
		Failure:  func(*exchange.Exchange) { bp.Release() },
	})
	if err := emit(ctx, ex); err != nil {
		s.log.Warn("emit failed", "offset", end, "err", err)
	}
	return nil
}

func (s *Source) Close() error {
	if s.bp != nil {
		s.bp.Close()
	}
	return nil
}
