// Package kafkastore is a resume.Strategy that keeps offsets in a
// compacted Kafka topic. Records are keyed by offset key; values are
// protobuf-encoded structpb.Struct{value, updated_at}. A nil value is a
// tombstone.
package kafkastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"tidemark/internal/logging"
	"tidemark/internal/resume"
)

const DefaultLoadIdleTimeout = 2 * time.Second

type Options struct {
	Brokers []string
	Topic   string
	Version string
	// LoadIdleTimeout ends LoadCache once no record arrived for this long.
	LoadIdleTimeout time.Duration
}

type Store struct {
	resume.AdapterHolder

	topic    string
	idle     time.Duration
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
}

// Open connects to the brokers with one shared client.
func Open(opts Options) (*Store, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka resume store: brokers are required")
	}
	sc := sarama.NewConfig()
	if opts.Version != "" {
		ver, err := sarama.ParseKafkaVersion(opts.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Consumer.Return.Errors = true

	cl, err := sarama.NewClient(opts.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	prod, err := sarama.NewSyncProducerFromClient(cl)
	if err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	cons, err := sarama.NewConsumerFromClient(cl)
	if err != nil {
		_ = prod.Close()
		_ = cl.Close()
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	s, err := New(prod, cons, opts)
	if err != nil {
		_ = cons.Close()
		_ = prod.Close()
		_ = cl.Close()
		return nil, err
	}
	s.client = cl
	return s, nil
}

func New(producer sarama.SyncProducer, consumer sarama.Consumer, opts Options) (*Store, error) {
	topic := strings.TrimSpace(opts.Topic)
	if topic == "" {
		return nil, errors.New("kafka resume store: topic is required")
	}
	idle := opts.LoadIdleTimeout
	if idle <= 0 {
		idle = DefaultLoadIdleTimeout
	}
	return &Store{topic: topic, idle: idle, producer: producer, consumer: consumer}, nil
}

func (s *Store) Kind() string { return "kafka" }

func (s *Store) UpdateLastOffset(ctx context.Context, off resume.Offset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	off, err := resume.ValidateOffset(off)
	if err != nil {
		return err
	}
	val, err := encode(off)
	if err != nil {
		return err
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(off.Key),
		Value: sarama.ByteEncoder(val),
	})
	if err != nil {
		return fmt.Errorf("produce offset %s: %w", off.Key, err)
	}
	return nil
}

func encode(off resume.Offset) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{
		"value":      off.Value,
		"updated_at": float64(off.UpdatedAt.UTC().UnixMilli()),
	})
	if err != nil {
		return nil, fmt.Errorf("encode offset: %w", err)
	}
	return proto.Marshal(st)
}

func decode(key string, b []byte) (resume.Offset, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return resume.Offset{}, fmt.Errorf("decode offset %s: %w", key, err)
	}
	f := st.GetFields()
	off := resume.Offset{Key: key, Value: f["value"].GetStringValue()}
	if ms := f["updated_at"].GetNumberValue(); ms > 0 {
		off.UpdatedAt = time.UnixMilli(int64(ms)).UTC()
	}
	return off, nil
}

// Offsets reads the topic from the oldest record on every partition until
// it has been idle for LoadIdleTimeout. The last record per key wins.
func (s *Store) Offsets(ctx context.Context) ([]resume.Offset, error) {
	parts, err := s.consumer.Partitions(s.topic)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", s.topic, err)
	}

	msgs := make(chan *sarama.ConsumerMessage)
	done := make(chan struct{})
	var wg sync.WaitGroup
	var pcs []sarama.PartitionConsumer
	defer func() {
		close(done)
		for _, pc := range pcs {
			pc.AsyncClose()
		}
		wg.Wait()
	}()

	for _, p := range parts {
		pc, err := s.consumer.ConsumePartition(s.topic, p, sarama.OffsetOldest)
		if err != nil {
			return nil, fmt.Errorf("consume %s/%d: %w", s.topic, p, err)
		}
		pcs = append(pcs, pc)
		wg.Add(1)
		go func(p int32, pc sarama.PartitionConsumer) {
			defer wg.Done()
			// Both channels are read until AsyncClose closes them.
			in, errs := pc.Messages(), pc.Errors()
			for in != nil || errs != nil {
				select {
				case m, ok := <-in:
					if !ok {
						in = nil
						continue
					}
					select {
					case msgs <- m:
					case <-done:
					}
				case err, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					logging.Component("resume").Warn("offset topic read failed",
						"topic", s.topic, "partition", p, "err", err)
				}
			}
		}(p, pc)
	}

	latest := make(map[string]resume.Offset)
	timer := time.NewTimer(s.idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			out := make([]resume.Offset, 0, len(latest))
			for _, off := range latest {
				out = append(out, off)
			}
			resume.SortOldestFirst(out)
			return out, nil
		case m := <-msgs:
			key := string(m.Key)
			if m.Value == nil {
				delete(latest, key)
			} else if off, err := decode(key, m.Value); err != nil {
				logging.Component("resume").Warn("skipping undecodable offset record",
					"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "err", err)
			} else {
				latest[key] = off
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.idle)
		}
	}
}

func (s *Store) LoadCache(ctx context.Context) error {
	a := s.Adapter()
	if a == nil {
		return resume.ErrNoAdapter
	}
	offs, err := s.Offsets(ctx)
	if err != nil {
		return err
	}
	resume.Restore(a, offs)
	return nil
}

func (s *Store) Close() error {
	var errs []error
	if s.consumer != nil {
		errs = append(errs, s.consumer.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.client != nil && !s.client.Closed() {
		errs = append(errs, s.client.Close())
	}
	return errors.Join(errs...)
}
