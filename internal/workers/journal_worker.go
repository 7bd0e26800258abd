package workers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/curaline/telecare/internal/models"
	mongorepo "github.com/curaline/telecare/internal/repositories/mongo"
)

const defaultJournalStream = "media:events"

// EventJournal implements media.Journal by appending coordinator events to
// a Redis stream. Writes happen off the coordinator's lock and are dropped
// on error; journaling is best effort and must never stall a join or leave.
type EventJournal struct {
	Redis  *redis.Client
	Logger *logrus.Logger
	Stream string
}

func (j *EventJournal) Record(sessionID string, uid uint32, kind, detail string) {
	stream := j.Stream
	if stream == "" {
		stream = defaultJournalStream
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := j.Redis.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{
				"session_id": sessionID,
				"uid":        strconv.FormatUint(uint64(uid), 10),
				"kind":       kind,
				"detail":     detail,
				"ts_unix":    strconv.FormatInt(time.Now().UTC().Unix(), 10),
			},
		}).Err()
		if err != nil && j.Logger != nil {
			j.Logger.WithError(err).WithFields(logrus.Fields{
				"session_id": sessionID,
				"kind":       kind,
			}).Warn("journal append failed")
		}
	}()
}

// JournalWorkerPool drains the media event stream into the Mongo journal
// collection via a consumer group, so journal persistence survives restarts
// and can be scaled out.
type JournalWorkerPool struct {
	Redis      *redis.Client
	Events     mongorepo.EventRepository
	Logger     *logrus.Logger
	NumWorkers int

	Stream         string
	Group          string
	ConsumerPrefix string
}

func (p *JournalWorkerPool) Start(ctx context.Context) error {
	if p.Redis == nil || p.Events == nil {
		return errors.New("JournalWorkerPool missing dependency: Redis/Events must be set")
	}
	if p.Stream == "" {
		p.Stream = defaultJournalStream
	}
	if p.Group == "" {
		p.Group = "journal-workers"
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "j"
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 2
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}

	_ = p.Redis.XGroupCreateMkStream(ctx, p.Stream, p.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		go p.runConsumer(ctx, consumer)
	}
	return nil
}

func (p *JournalWorkerPool) runConsumer(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{p.Stream, ">"},
			Count:    50,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				p.handleMsg(ctx, msg)
				_ = p.Redis.XAck(ctx, p.Stream, p.Group, msg.ID).Err()
			}
		}
	}
}

func (p *JournalWorkerPool) handleMsg(ctx context.Context, msg redis.XMessage) {
	getStr := func(k string) string {
		v, ok := msg.Values[k]
		if !ok || v == nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	sessionID := getStr("session_id")
	kind := getStr("kind")
	if sessionID == "" || kind == "" {
		return
	}
	uid64, _ := strconv.ParseUint(getStr("uid"), 10, 32)
	ts := time.Now().UTC()
	if unix, err := strconv.ParseInt(getStr("ts_unix"), 10, 64); err == nil && unix > 0 {
		ts = time.Unix(unix, 0).UTC()
	}

	e := &models.MediaEvent{
		SessionID: sessionID,
		UID:       uint32(uid64),
		Kind:      kind,
		Detail:    getStr("detail"),
		Timestamp: ts,
	}
	if err := p.Events.Insert(ctx, e); err != nil {
		p.Logger.WithError(err).WithFields(logrus.Fields{
			"redis_id":   msg.ID,
			"session_id": sessionID,
			"kind":       kind,
		}).Warn("journal insert failed")
	}
}
