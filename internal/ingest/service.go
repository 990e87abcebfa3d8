// Package ingest runs a submission through rate limiting, validation and
// persistence. Requests are processed synchronously; a response is only sent
// once its events are committed.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/klyne-ingest/internal/domain"
	"example.com/klyne-ingest/internal/ratelimit"
	"example.com/klyne-ingest/internal/storage"
)

type Config struct {
	MaxBatchSize int
	ClockSkew    time.Duration
}

type Service struct {
	store   storage.Events
	limiter *ratelimit.Limiter
	cfg     Config
	metrics *Metrics
	log     *zap.Logger
}

func NewService(store storage.Events, limiter *ratelimit.Limiter, cfg Config, metrics *Metrics, log *zap.Logger) *Service {
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > storage.MaxEventsPerInsert {
		cfg.MaxBatchSize = domain.MaxBatchSize
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = domain.DefaultClockSkew
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, limiter: limiter, cfg: cfg, metrics: metrics, log: log}
}

// Created is one persisted batch item.
type Created struct {
	Index       int       `json:"index"`
	EventID     uuid.UUID `json:"event_id"`
	SessionID   string    `json:"session_id"`
	PackageName string    `json:"package_name"`
}

// Failed is one rejected batch item.
type Failed struct {
	Index     int                 `json:"index"`
	Reason    string              `json:"reason"`
	Errors    []domain.FieldError `json:"errors,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
}

type BatchResult struct {
	Created  []Created
	Failed   []Failed
	Decision ratelimit.Decision
}

// SubmitOne charges one unit, validates raw and persists it. The returned
// decision is set whenever the rate check ran, including on a later
// validation or storage failure.
func (s *Service) SubmitOne(ctx context.Context, key domain.APIKey, raw json.RawMessage) (domain.Receipt, ratelimit.Decision, error) {
	dec, err := s.charge(ctx, key, 1)
	if err != nil {
		return domain.Receipt{}, dec, err
	}

	ev, errs, err := s.validate(raw, key)
	if err != nil {
		s.metrics.addEvents(OutcomeForbidden, 1)
		s.log.Info("package mismatch",
			zap.Int64("key_id", key.ID), zap.String("package", key.PackageName), zap.Error(err))
		return domain.Receipt{}, dec, err
	}
	if len(errs) > 0 {
		s.metrics.addEvents(OutcomeInvalid, 1)
		return domain.Receipt{}, dec, &ValidationError{Errors: errs}
	}

	receipts, err := s.store.InsertEvents(ctx, []domain.Event{ev})
	if err != nil {
		s.metrics.addEvents(OutcomeFailed, 1)
		s.log.Error("persist event", zap.String("package", key.PackageName), zap.Error(err))
		return domain.Receipt{}, dec, asStorageError(err)
	}
	s.metrics.addEvents(OutcomeAccepted, 1)
	s.log.Debug("event stored",
		zap.String("package", key.PackageName), zap.Stringer("event_id", receipts[0].ID))
	return receipts[0], dec, nil
}

// SubmitBatch checks the envelope, charges len(raws) units up front and then
// validates each item on its own. Valid items are persisted together; the
// result lists every index exactly once, in input order.
func (s *Service) SubmitBatch(ctx context.Context, key domain.APIKey, raws []json.RawMessage) (BatchResult, error) {
	if errs := domain.ValidateBatchSize(len(raws), s.cfg.MaxBatchSize); len(errs) > 0 {
		return BatchResult{}, &ValidationError{Errors: errs}
	}

	dec, err := s.charge(ctx, key, len(raws))
	if err != nil {
		return BatchResult{Decision: dec}, err
	}
	res := BatchResult{Decision: dec}

	var (
		valid   []domain.Event
		indexes []int
	)
	for i, raw := range raws {
		ev, errs, err := s.validate(raw, key)
		switch {
		case err != nil:
			res.Failed = append(res.Failed, Failed{Index: i, Reason: err.Error(), SessionID: sessionOf(raw)})
		case len(errs) > 0:
			res.Failed = append(res.Failed, Failed{Index: i, Reason: "validation failed", Errors: errs, SessionID: sessionOf(raw)})
		default:
			valid = append(valid, ev)
			indexes = append(indexes, i)
		}
	}

	if len(valid) > 0 {
		receipts, err := s.store.InsertEvents(ctx, valid)
		if err != nil {
			s.metrics.addEvents(OutcomeFailed, len(valid))
			s.metrics.addEvents(OutcomeInvalid, len(res.Failed))
			s.log.Error("persist batch",
				zap.String("package", key.PackageName), zap.Int("size", len(valid)), zap.Error(err))
			return BatchResult{Decision: dec}, asStorageError(err)
		}
		res.Created = make([]Created, len(valid))
		for j, r := range receipts {
			res.Created[j] = Created{
				Index:       indexes[j],
				EventID:     r.ID,
				SessionID:   valid[j].SessionID.String(),
				PackageName: valid[j].PackageName,
			}
		}
	}

	s.metrics.addEvents(OutcomeAccepted, len(res.Created))
	s.metrics.addEvents(OutcomeInvalid, len(res.Failed))
	s.log.Info("batch processed",
		zap.String("package", key.PackageName),
		zap.Int("created", len(res.Created)),
		zap.Int("failed", len(res.Failed)))
	return res, nil
}

func (s *Service) charge(ctx context.Context, key domain.APIKey, n int) (ratelimit.Decision, error) {
	dec, err := s.limiter.Allow(ctx, key.ID, int64(n))
	if err != nil {
		return ratelimit.Decision{}, asStorageError(err)
	}
	if !dec.Allowed {
		s.metrics.recordRateLimited(n)
		s.log.Info("rate limited",
			zap.Int64("key_id", key.ID),
			zap.String("package", key.PackageName),
			zap.Int64("current_usage", dec.CurrentUsage),
			zap.Int64("limit", dec.Limit))
		return dec, &RateLimitError{Decision: dec}
	}
	return dec, nil
}

// validate returns a non-nil error only for a package mismatch.
func (s *Service) validate(raw json.RawMessage, key domain.APIKey) (domain.Event, []domain.FieldError, error) {
	ev, errs, err := domain.ParseEvent(raw, key.PackageName, s.limiter.Now(), s.cfg.ClockSkew)
	if err != nil || len(errs) > 0 {
		return domain.Event{}, errs, err
	}
	ev.APIKeyID = key.ID
	return ev, errs, nil
}

// sessionOf digs session_id out of an item for failure reports.
func sessionOf(raw json.RawMessage) string {
	var item struct {
		SessionID any `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return ""
	}
	if s, ok := item.SessionID.(string); ok {
		return s
	}
	return ""
}

