package core

import (
	"context"
	"fmt"
	"time"

	"identitycore/internal/infra/persistence/memory"
	"identitycore/pkg/domain"
)

// Logger is the subset of *slog.Logger the service writes to.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Clock supplies timestamps for audit entries.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// AuditStatus mirrors the Outcome of an audited operation.
type AuditStatus string

const (
	AuditStatusSuccess  AuditStatus = AuditStatus(OutcomeCommitted)
	AuditStatusRejected AuditStatus = AuditStatus(OutcomeRejected)
	AuditStatusError    AuditStatus = AuditStatus(OutcomeFailed)
)

// AuditEntry describes one service operation attempt.
type AuditEntry struct {
	Operation string
	Caller    domain.AccountID
	EntityID  domain.Hash
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives an entry for every mutating operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// ServiceOption customises a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger  Logger
	clock   Clock
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	sink    domain.EventSink
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		logger:  noopLogger{},
		clock:   systemClock{},
		audit:   noopAudit{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
	}
}

// WithLogger routes service logging to logger.
func WithLogger(logger Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the audit clock.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithAuditRecorder installs an audit recorder.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

// WithMetricsRecorder installs a metrics recorder.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithEventSink delivers committed events to sink.
func WithEventSink(sink domain.EventSink) ServiceOption {
	return func(o *serviceOptions) {
		o.sink = sink
	}
}

// Service exposes the registry operations as individually committed transactions.
type Service struct {
	store    domain.PersistentStore
	registry *Registry
	logger   Logger
	clock    Clock
	audit    AuditRecorder
	metrics  MetricsRecorder
	tracer   Tracer
	sink     domain.EventSink
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		store:    store,
		registry: NewRegistry(),
		logger:   o.logger,
		clock:    o.clock,
		audit:    o.audit,
		metrics:  o.metrics,
		tracer:   o.tracer,
		sink:     o.sink,
	}
}

// NewInMemoryService creates a service over a fresh in-memory store. A nil
// engine installs the default rules.
func NewInMemoryService(engine *domain.RulesEngine, opts ...ServiceOption) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// NewDefaultRulesEngine returns an engine with the collection integrity rule registered.
func NewDefaultRulesEngine() *domain.RulesEngine {
	return domain.NewRulesEngine(CollectionIntegrityRule())
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// RegisterIdentity mints an identity with a derived id owned by origin.Caller.
func (s *Service) RegisterIdentity(ctx context.Context, origin domain.Origin) (domain.Hash, domain.Result, error) {
	var id domain.Hash
	res, err := s.run(ctx, "register_identity", origin, func(sess *Session) (domain.Hash, error) {
		var err error
		id, err = sess.RegisterIdentity(origin)
		return id, err
	})
	return id, res, err
}

// RegisterIdentityWithID mints an identity with a caller chosen id.
func (s *Service) RegisterIdentityWithID(ctx context.Context, origin domain.Origin, id domain.Hash) (domain.Hash, domain.Result, error) {
	var created domain.Hash
	res, err := s.run(ctx, "register_identity_with_id", origin, func(sess *Session) (domain.Hash, error) {
		var err error
		created, err = sess.RegisterIdentityWithID(origin, id)
		if err != nil {
			return id, err
		}
		return created, nil
	})
	return created, res, err
}

// CreateAuthorizedToken mints a token for params.To against params.IdentityID.
func (s *Service) CreateAuthorizedToken(ctx context.Context, origin domain.Origin, params domain.TokenParams) (domain.Hash, domain.Result, error) {
	return s.mintToken(ctx, "create_authorized_token", origin, params)
}

// IssueToken is equivalent to CreateAuthorizedToken.
func (s *Service) IssueToken(ctx context.Context, origin domain.Origin, params domain.TokenParams) (domain.Hash, domain.Result, error) {
	return s.mintToken(ctx, "issue_token", origin, params)
}

func (s *Service) mintToken(ctx context.Context, op string, origin domain.Origin, params domain.TokenParams) (domain.Hash, domain.Result, error) {
	var id domain.Hash
	res, err := s.run(ctx, op, origin, func(sess *Session) (domain.Hash, error) {
		var err error
		id, err = sess.CreateAuthorizedToken(origin, params)
		return id, err
	})
	return id, res, err
}

// TransferToken moves tokenID from origin.Caller to to.
func (s *Service) TransferToken(ctx context.Context, origin domain.Origin, to domain.AccountID, tokenID domain.Hash) (domain.Result, error) {
	return s.run(ctx, "transfer_token", origin, func(sess *Session) (domain.Hash, error) {
		return tokenID, sess.TransferToken(origin, to, tokenID)
	})
}

// Read runs fn against the committed state.
func (s *Service) Read(ctx context.Context, fn func(Reader) error) error {
	return s.store.View(ctx, func(view domain.TransactionView) error {
		return fn(s.registry.Reader(view))
	})
}

// run executes one operation in its own transaction and reports it to the
// tracer, metrics, audit and logger. Events are delivered only after commit.
func (s *Service) run(ctx context.Context, op string, origin domain.Origin, fn func(*Session) (domain.Hash, error)) (domain.Result, error) {
	ctx, span := s.tracer.Start(ctx, op)
	started := s.clock.Now()

	var (
		events   []domain.Event
		entityID domain.Hash
	)
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		sess := s.registry.Session(tx)
		id, err := fn(sess)
		entityID = id
		if err != nil {
			return err
		}
		events = sess.Events()
		return nil
	})

	duration := s.clock.Now().Sub(started)
	span.End(err)
	outcome := OutcomeOf(err)
	s.metrics.Observe(ctx, op, outcome, duration)

	entry := AuditEntry{
		Operation: op,
		Caller:    origin.Caller,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: started,
	}
	if err != nil {
		entry.Status = AuditStatus(outcome)
		entry.Error = err.Error()
		s.logRejection(op, origin, outcome, err)
		s.audit.Record(ctx, entry)
		return res, err
	}
	s.audit.Record(ctx, entry)
	s.logger.Debug("registry operation committed", "operation", op, "caller", string(origin.Caller), "entity", entityID.String(), "events", len(events))

	s.dispatch(ctx, op, events)
	return res, nil
}

func (s *Service) logRejection(op string, origin domain.Origin, outcome Outcome, err error) {
	switch outcome {
	case OutcomeRejected:
		s.logger.Info("registry operation rejected", "operation", op, "caller", string(origin.Caller), "error", err)
	default:
		s.logger.Error("registry operation failed", "operation", op, "caller", string(origin.Caller), "error", err)
	}
}

func (s *Service) dispatch(ctx context.Context, op string, events []domain.Event) {
	if s.sink == nil || len(events) == 0 {
		return
	}
	if err := s.sink.Append(ctx, events...); err != nil {
		s.logger.Warn("event delivery failed", "operation", op, "events", len(events), "error", fmt.Sprint(err))
	}
}
