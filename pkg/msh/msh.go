package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/pvanvliet16/jentrata-VIB/internal/storage"
	"github.com/pvanvliet16/jentrata-VIB/internal/telemetry"
	"github.com/pvanvliet16/jentrata-VIB/pkg/compression"
	"github.com/pvanvliet16/jentrata-VIB/pkg/cpa"
	"github.com/pvanvliet16/jentrata-VIB/pkg/message"
	"github.com/pvanvliet16/jentrata-VIB/pkg/reliability"
	"github.com/pvanvliet16/jentrata-VIB/pkg/security"
)

var (
	// ErrMSHNotStarted is returned when operations are attempted on a stopped MSH
	ErrMSHNotStarted = errors.New("MSH not started")
	// ErrMSHAlreadyStarted is returned when Start is called on a running MSH
	ErrMSHAlreadyStarted = errors.New("MSH already started")
)

const tracerName = "github.com/pvanvliet16/jentrata-VIB/pkg/msh"

// AgreementSource looks up partner agreements. *cpa.Repository satisfies it.
type AgreementSource interface {
	FindByCPAID(cpaID string) (*cpa.PartnerAgreement, error)
	FindByMessage(env *message.Envelope) (*cpa.PartnerAgreement, error)
}

// MSH (Message Service Handler) receives, validates, deduplicates and
// acknowledges inbound ebMS messages and packages, signs and delivers
// outbound ones. Stages hand work to each other through the queues of a
// Bus drained by worker goroutines.
type MSH struct {
	store      storage.Store
	agreements AgreementSource
	enforcer   *security.Enforcer
	transport  Sender
	resolver   EndpointResolver
	tracker    *reliability.Tracker
	compressor *compression.Compressor
	metrics    *telemetry.PipelineMetrics
	tracer     trace.Tracer
	logger     *slog.Logger
	bus        *Bus

	payloadHandler PayloadHandler
	eventHandler   EventHandler
	errorHandler   ErrorHandler

	domain       string
	defaultCPAID string
	timeout      time.Duration
	now          func() time.Time

	// State management
	mu      sync.Mutex
	running bool

	// Worker control
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	workerCount int
}

// Config holds configuration for the MSH
type Config struct {
	Store      storage.Store
	Agreements AgreementSource
	Enforcer   *security.Enforcer
	Transport  Sender
	Resolver   EndpointResolver
	Metrics    *telemetry.PipelineMetrics
	Logger     *slog.Logger

	// DefaultCPAID is used for submissions that name no agreement. Empty
	// means every submission must name one.
	DefaultCPAID string
	// Domain is the right-hand side of generated message ids.
	Domain string

	WorkerCount       int
	MaxQueueSize      int
	ProcessingTimeout time.Duration
	// CompressionLevel is the gzip level for compressed payloads. Zero
	// uses the gzip default.
	CompressionLevel int

	PayloadHandler PayloadHandler
	EventHandler   EventHandler
	ErrorHandler   ErrorHandler

	Now func() time.Time
}

// NewMSH creates a new Message Service Handler with the provided configuration
func NewMSH(config Config) (*MSH, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.Agreements == nil {
		return nil, errors.New("agreement source is required")
	}

	// Set defaults
	if config.WorkerCount == 0 {
		config.WorkerCount = 4
	}
	if config.MaxQueueSize == 0 {
		config.MaxQueueSize = 100
	}
	if config.ProcessingTimeout == 0 {
		config.ProcessingTimeout = 30 * time.Second
	}
	if config.Domain == "" {
		config.Domain = message.DefaultMessageIDDomain
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Enforcer == nil {
		config.Enforcer = security.NewEnforcer(security.Config{})
	}
	if config.Resolver == nil {
		config.Resolver = AgreementResolver{}
	}
	compressor := compression.NewCompressor()
	if config.CompressionLevel != 0 {
		compressor = compression.NewCompressorWithLevel(config.CompressionLevel)
	}
	if config.Metrics == nil {
		pm, err := telemetry.NewPipelineMetrics()
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		config.Metrics = pm
	}

	return &MSH{
		store:          config.Store,
		agreements:     config.Agreements,
		enforcer:       config.Enforcer,
		transport:      config.Transport,
		resolver:       config.Resolver,
		tracker:        reliability.NewTracker(config.Store),
		compressor:     compressor,
		metrics:        config.Metrics,
		tracer:         otel.Tracer(tracerName),
		logger:         config.Logger.With(slog.String("component", "msh")),
		bus:            NewBus(config.MaxQueueSize),
		payloadHandler: config.PayloadHandler,
		eventHandler:   config.EventHandler,
		errorHandler:   config.ErrorHandler,
		domain:         config.Domain,
		defaultCPAID:   config.DefaultCPAID,
		timeout:        config.ProcessingTimeout,
		now:            config.Now,
		workerCount:    config.WorkerCount,
	}, nil
}

// Bus exposes the internal queues.
func (m *MSH) Bus() *Bus {
	return m.bus
}

// Start begins async message processing
func (m *MSH) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrMSHAlreadyStarted
	}
	if m.transport == nil {
		return errors.New("transport is required to deliver messages")
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	for i := 0; i < m.workerCount; i++ {
		m.wg.Add(4)
		go m.inboundWorker(ctx, i)
		go m.payloadWorker(ctx, i)
		go m.signalWorker(ctx, i)
		go m.deliveryWorker(ctx, i)
	}

	m.wg.Add(2)
	go m.eventDispatcher(ctx)
	go m.errorDispatcher(ctx)

	m.logger.Info("message service handler started", slog.Int("workers", m.workerCount))
	return nil
}

// Stop gracefully shuts down the MSH
func (m *MSH) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrMSHNotStarted
	}

	m.running = false
	m.cancel()
	m.mu.Unlock()

	// Wait for workers to finish
	m.wg.Wait()
	m.logger.Info("message service handler stopped")
	return nil
}

// Running reports whether the workers are active.
func (m *MSH) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Receive queues a raw delivery for asynchronous processing. The sender
// gets no synchronous answer; use Process for that.
func (m *MSH) Receive(ctx context.Context, body []byte, contentType string) error {
	if !m.Running() {
		return ErrMSHNotStarted
	}
	return m.bus.InboundRaw.Publish(ctx, RawMessage{
		Body:        body,
		ContentType: contentType,
		ReceivedAt:  m.now().UTC(),
	})
}

// inboundWorker processes queued raw deliveries.
func (m *MSH) inboundWorker(ctx context.Context, id int) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-m.bus.InboundRaw.C():
			resp := m.Process(ctx, raw.Body, raw.ContentType)
			m.logger.Debug("processed queued message",
				slog.Int("worker", id),
				slog.Int("status_code", resp.StatusCode))
		}
	}
}

// eventDispatcher sends events to the event handler
func (m *MSH) eventDispatcher(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-m.bus.Events.C():
			if m.eventHandler != nil {
				m.eventHandler(evt)
			}
		}
	}
}

// errorDispatcher drains both error queues into the error handler.
func (m *MSH) errorDispatcher(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-m.bus.SecurityError.C():
			m.handleFailure(f)
		case f := <-m.bus.OutboundError.C():
			m.handleFailure(f)
		}
	}
}

func (m *MSH) handleFailure(f Failure) {
	if m.errorHandler != nil {
		m.errorHandler(f)
		return
	}
	m.logger.Warn("unhandled failure",
		slog.String("kind", f.Kind.String()),
		slog.String("message_id", f.MessageID),
		slog.String("code", f.Code.Code))
}

func (m *MSH) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now().UTC()
	}
	if !m.bus.Events.TryPublish(evt) {
		m.logger.Warn("event queue full, dropping event",
			slog.String("type", string(evt.Type)),
			slog.String("message_id", evt.MessageID))
	}
}

func (m *MSH) publishFailure(q *Queue[Failure], f Failure) {
	if !q.TryPublish(f) {
		m.logger.Warn("error queue full, dropping failure",
			slog.String("queue", q.Name()),
			slog.String("message_id", f.MessageID))
	}
}
