package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/IBM/sarama"

	"tidemark/internal/config"
	"tidemark/internal/exchange"
	"tidemark/internal/logging"
	"tidemark/internal/resume"
	"tidemark/source"
)

const (
	HeaderTopic     = "kafka.topic"
	HeaderPartition = "kafka.partition"
	HeaderOffset    = "kafka.offset"
)

func init() { source.Register("kafka", func() source.Adapter { return &SaramaDriver{} }) }

// OffsetKey is the resume key of one partition.
func OffsetKey(topic string, partition int32) string {
	return topic + "/" + strconv.FormatInt(int64(partition), 10)
}

// offsetAdapter holds restored offsets until a consumer group session
// claims the partitions; Setup then resets each claimed partition.
type offsetAdapter struct {
	*resume.Cache
	log *slog.Logger
}

func (a *offsetAdapter) Resume(context.Context) error {
	a.log.Info("kafka offsets restored", "partitions", a.Len())
	return nil
}

type SaramaDriver struct {
	cfg     Config
	cl      sarama.Client
	group   sarama.ConsumerGroup
	bp      *source.Controller
	offsets *offsetAdapter
	log     *slog.Logger
}

func (d *SaramaDriver) Configure(raw any) error {
	var cfg Config
	switch v := raw.(type) {
	case Config:
		cfg = v
		applyDefaults(&cfg)
		if err := config.Validate(&cfg); err != nil {
			return fmt.Errorf("kafka source: %w", err)
		}
	case string:
		var err error
		if cfg, err = LoadConfig(v); err != nil {
			return err
		}
	default:
		return fmt.Errorf("kafka source: expected Config or path, got %T", raw)
	}
	if err := d.init(cfg); err != nil {
		return err
	}

	ver := sarama.DefaultVersion
	if cfg.Version != "" {
		var err error
		if ver, err = sarama.ParseKafkaVersion(cfg.Version); err != nil {
			return err
		}
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}
	switch cfg.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	var err error
	if d.cl, err = sarama.NewClient(cfg.Brokers, sc); err != nil {
		return err
	}
	if d.group, err = sarama.NewConsumerGroupFromClient(cfg.GroupID, d.cl); err != nil {
		_ = d.cl.Close()
		return err
	}
	return nil
}

// init sets up everything that does not need a broker.
func (d *SaramaDriver) init(cfg Config) error {
	policy, err := resume.ParseFillPolicy(cfg.Cache.FillPolicy)
	if err != nil {
		return err
	}
	d.cfg = cfg
	d.log = logging.Component("source.kafka").With("group", cfg.GroupID)
	d.bp = source.NewController(cfg.MaxInFlight)
	d.offsets = &offsetAdapter{Cache: resume.NewCache(cfg.Cache.Capacity, policy), log: d.log}
	return nil
}

func (d *SaramaDriver) ResumeAdapter() resume.Adapter { return d.offsets }

func (d *SaramaDriver) Run(ctx context.Context, emit source.EmitFunc) error {
	go func() {
		for err := range d.group.Errors() {
			d.log.Error("consumer group error", "err", err)
		}
	}()

	handler := newGroupHandler(d, emit)
	for {
		if err := d.group.Consume(ctx, d.cfg.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (d *SaramaDriver) Close() error {
	var errs []error
	if d.group != nil {
		errs = append(errs, d.group.Close())
	}
	if d.cl != nil && !d.cl.Closed() {
		errs = append(errs, d.cl.Close())
	}
	if d.bp != nil {
		d.bp.Close()
	}
	return errors.Join(errs...)
}

type groupHandler struct {
	driver *SaramaDriver
	emit   source.EmitFunc

	mu    sync.Mutex
	marks map[string]*resume.Watermark
}

func newGroupHandler(d *SaramaDriver, emit source.EmitFunc) *groupHandler {
	return &groupHandler{driver: d, emit: emit, marks: make(map[string]*resume.Watermark)}
}

// Setup moves every claimed partition with a known offset to the record
// after it. MarkOffset only moves forward, so a rebalance never rewinds a
// partition that this or another member has already advanced.
func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.mu.Lock()
	h.marks = make(map[string]*resume.Watermark)
	h.mu.Unlock()

	for topic, parts := range sess.Claims() {
		for _, p := range parts {
			key := OffsetKey(topic, p)
			off, ok := h.driver.offsets.Get(key)
			if !ok {
				continue
			}
			n, err := off.Int64()
			if err != nil {
				h.driver.log.Warn("ignoring restored offset", "key", key, "err", err)
				continue
			}
			sess.MarkOffset(topic, p, n+1, "")
			h.driver.log.Info("partition resumed", "topic", topic, "partition", p, "offset", n+1)
		}
	}
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.mu.Lock()
	n := len(h.marks)
	h.mu.Unlock()
	h.driver.log.Info("consumer group session ended", "partitions", n)
	return nil
}

func (h *groupHandler) watermark(key string) *resume.Watermark {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.marks[key]
	if !ok {
		w = resume.NewWatermark(h.driver.cfg.MaxPending)
		h.marks[key] = w
	}
	return w
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	w := h.watermark(OffsetKey(claim.Topic(), claim.Partition()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(ctx, sess, w, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (h *groupHandler) handle(ctx context.Context, sess sarama.ConsumerGroupSession, w *resume.Watermark, msg *sarama.ConsumerMessage) error {
	bp := h.driver.bp
	if err := bp.Acquire(ctx); err != nil {
		return err
	}
	off := resume.IntOffset(OffsetKey(msg.Topic, msg.Partition), msg.Offset)
	resolve, err := w.Track(ctx, off)
	if err != nil {
		bp.Release()
		return err
	}

	ex := exchange.New(msg.Key, msg.Value)
	for _, rh := range msg.Headers {
		if rh != nil {
			ex.Headers[string(rh.Key)] = string(rh.Value)
		}
	}
	ex.Headers[HeaderTopic] = msg.Topic
	ex.Headers[HeaderPartition] = strconv.FormatInt(int64(msg.Partition), 10)
	ex.Headers[HeaderOffset] = strconv.FormatInt(msg.Offset, 10)
	resume.Attach(ex, off)

	ex.AddOnCompletion(exchange.Callbacks{
		Complete: func(*exchange.Exchange) {
			if mark, ok := resolve(); ok {
				if n, err := mark.Int64(); err == nil {
					sess.MarkOffset(msg.Topic, msg.Partition, n+1, "")
					h.driver.offsets.Put(mark)
				}
			}
			bp.Release()
		},
		Failure: func(ex *exchange.Exchange) {
			resolve()
			bp.Release()
			h.driver.log.Warn("exchange failed, offset not marked",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", ex.Err())
		},
	})

	if err := h.emit(ctx, ex); err != nil {
		h.driver.log.Warn("emit failed", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
	}
	return nil
}
