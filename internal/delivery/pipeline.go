// Package delivery sends text messages through the supervised session:
// single sends with bounded retries, and strictly sequential bulk sends
// with pacing between recipients.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/leandrotocalini/wagate/internal/messenger"
	"github.com/leandrotocalini/wagate/internal/metrics"
)

// Session is what the pipeline needs from the connection supervisor.
type Session interface {
	IsReady() bool
	Transport() messenger.Messenger
	ReportConnectionLost(t messenger.Messenger, reason string)
}

// Policy bounds retries for one send mode.
type Policy struct {
	Attempts   int
	RetryDelay time.Duration
}

// DefaultSinglePolicy: 3 attempts, 2s apart.
func DefaultSinglePolicy() Policy {
	return Policy{Attempts: 3, RetryDelay: 2 * time.Second}
}

// DefaultBulkPolicy: 2 attempts, 1s apart, to bound batch latency.
func DefaultBulkPolicy() Policy {
	return Policy{Attempts: 2, RetryDelay: time.Second}
}

// DefaultPacing is the pause between bulk recipients.
const DefaultPacing = 3 * time.Second

// contactProbeTimeout bounds the diagnostic lookup done before a send.
const contactProbeTimeout = 3 * time.Second

// SendRequest is one message to one recipient.
type SendRequest struct {
	Phone string
	Body  string
}

// Result is the outcome of a single send.
type Result struct {
	Recipient string // as supplied by the caller
	JID       string
	Success   bool
	MessageID string
	Attempts  int
	Err       *Error
}

// Rejected reports whether the send failed before reaching the transport.
func (r Result) Rejected() bool {
	return !r.Success && r.Attempts == 0
}

// Contact is one bulk recipient.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// BulkResult is the outcome for one bulk recipient.
type BulkResult struct {
	Contact   Contact
	Success   bool
	MessageID string
	Attempts  int
	Err       *Error
}

// BulkJob is a completed bulk send. Results has one entry per input
// contact, in input order.
type BulkJob struct {
	ID      string
	Results []BulkResult
}

// Validation describes a recipient lookup.
type Validation struct {
	Phone          string
	FormattedPhone string
	IsRegistered   bool
	Contact        *messenger.Contact
}

// Pipeline delivers messages. It does not serialize concurrent single
// sends; the transport serializes command issuance.
type Pipeline struct {
	session    Session
	single     Policy
	bulk       Policy
	pacing     time.Duration
	classifier *Classifier
	sleepFn    func(context.Context, time.Duration) // for testing
	newJobID   func() string
	logger     *slog.Logger
	probe      *gobreaker.CircuitBreaker[messenger.Contact]

	probeTimeout time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPolicies overrides the single and bulk retry policies.
func WithPolicies(single, bulk Policy) Option {
	return func(p *Pipeline) {
		p.single = single
		p.bulk = bulk
	}
}

// WithPacing sets the pause between bulk recipients.
func WithPacing(d time.Duration) Option {
	return func(p *Pipeline) {
		p.pacing = d
	}
}

// WithClassifier replaces the error classifier.
func WithClassifier(c *Classifier) Option {
	return func(p *Pipeline) {
		p.classifier = c
	}
}

// WithSleepFunc overrides the retry and pacing sleep function (for testing).
func WithSleepFunc(fn func(context.Context, time.Duration)) Option {
	return func(p *Pipeline) {
		p.sleepFn = fn
	}
}

// WithJobIDFunc overrides bulk job ID generation (for testing).
func WithJobIDFunc(fn func() string) Option {
	return func(p *Pipeline) {
		p.newJobID = fn
	}
}

// WithProbeTimeout bounds the contact lookup done before each single send.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.probeTimeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// defaultSleep is the production sleep function. It returns early when ctx
// is cancelled.
func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// New creates a pipeline on top of session.
func New(session Session, opts ...Option) *Pipeline {
	p := &Pipeline{
		session:    session,
		single:     DefaultSinglePolicy(),
		bulk:       DefaultBulkPolicy(),
		pacing:     DefaultPacing,
		classifier: NewClassifier(),
		sleepFn:    defaultSleep,
		newJobID:   uuid.NewString,
		logger:     slog.Default(),

		probeTimeout: contactProbeTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.probe = p.newProbeBreaker()
	return p
}

// Send delivers one message. Readiness and a live transport probe are
// checked first, then the input; the transport is attempted up to the
// single-send policy's limit.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) Result {
	res := Result{Recipient: req.Phone}

	t, derr := p.liveTransport(ctx)
	if derr != nil {
		res.Err = derr
		p.record("single", res.Attempts, res.Err)
		return res
	}

	if req.Phone == "" || req.Body == "" {
		res.Err = newError(KindInvalidInput, "Phone number and message are required")
		p.record("single", 0, res.Err)
		return res
	}

	rcpt, err := Normalize(req.Phone)
	if err != nil {
		res.Err = err.(*Error)
		p.record("single", 0, res.Err)
		return res
	}
	res.JID = rcpt.JID

	p.logger.Info("sending message",
		"to", rcpt.JID,
		"preview", preview(req.Body, 50),
	)
	p.probeContact(ctx, t, rcpt.JID)

	id, attempts, err := p.deliver(ctx, t, rcpt.JID, req.Body, p.single)
	res.Attempts = attempts
	if err != nil {
		kind := p.classifier.Classify(err)
		res.Err = &Error{Kind: kind, Message: userMessage(kind, err.Error(), false), Err: err}
		p.logger.Error("send failed",
			"to", rcpt.JID,
			"attempts", attempts,
			"kind", kind.String(),
			"error", err,
		)
		p.record("single", attempts, res.Err)
		return res
	}

	res.Success = true
	res.MessageID = id
	p.logger.Info("message sent", "to", rcpt.JID, "id", id, "attempts", attempts)
	p.record("single", attempts, nil)
	return res
}

// SendBulk delivers body to every contact in order, one at a time, pausing
// between recipients. Readiness is checked once up front; a failure for
// one recipient never stops the batch. The returned error is a *Error for
// a not-ready session or malformed input, or the context error if the
// batch was cut short.
func (p *Pipeline) SendBulk(ctx context.Context, contacts []Contact, body string) (BulkJob, error) {
	if !p.session.IsReady() {
		return BulkJob{}, newError(KindNotReady, "WhatsApp client not ready")
	}
	if contacts == nil || body == "" {
		return BulkJob{}, newError(KindInvalidInput, "Contacts array and message are required")
	}

	job := BulkJob{ID: p.newJobID(), Results: make([]BulkResult, len(contacts))}
	log := p.logger.With("job", job.ID)
	metrics.BulkJobs.Inc()
	log.Info("bulk send started", "recipients", len(contacts))

	for i, c := range contacts {
		log.Info("bulk send", "index", i+1, "total", len(contacts), "name", c.Name, "phone", c.Phone)
		job.Results[i] = p.sendOne(ctx, log, c, body)

		if i < len(contacts)-1 {
			p.sleepFn(ctx, p.pacing)
		}
		if ctx.Err() != nil {
			for j := i + 1; j < len(contacts); j++ {
				job.Results[j] = BulkResult{
					Contact: contacts[j],
					Err:     &Error{Kind: KindUnknown, Message: "bulk send cancelled", Err: ctx.Err()},
				}
			}
			log.Warn("bulk send cancelled", "completed", i+1, "total", len(contacts))
			return job, ctx.Err()
		}
	}

	ok := 0
	for _, r := range job.Results {
		if r.Success {
			ok++
		}
	}
	log.Info("bulk send finished", "sent", ok, "failed", len(contacts)-ok)
	return job, nil
}

func (p *Pipeline) sendOne(ctx context.Context, log *slog.Logger, c Contact, body string) BulkResult {
	res := BulkResult{Contact: c}

	rcpt, err := Normalize(c.Phone)
	if err != nil {
		res.Err = err.(*Error)
		p.record("bulk", 0, res.Err)
		return res
	}

	t := p.session.Transport()
	if t == nil {
		res.Err = newError(KindConnectionLost, "WhatsApp client connection lost")
		p.record("bulk", 0, res.Err)
		return res
	}

	id, attempts, err := p.deliver(ctx, t, rcpt.JID, body, p.bulk)
	res.Attempts = attempts
	if err != nil {
		kind := p.classifier.Classify(err)
		res.Err = &Error{Kind: kind, Message: userMessage(kind, err.Error(), true), Err: err}
		log.Error("bulk send failed", "name", c.Name, "to", rcpt.JID, "kind", kind.String(), "error", err)
		p.record("bulk", attempts, res.Err)
		return res
	}

	res.Success = true
	res.MessageID = id
	log.Info("bulk message sent", "name", c.Name, "attempts", attempts)
	p.record("bulk", attempts, nil)
	return res
}

// Validate reports whether phone is registered on the network, with
// contact details when available. Not-ready and input problems come back
// as *Error; transport failures are returned wrapped.
func (p *Pipeline) Validate(ctx context.Context, phone string) (Validation, error) {
	if !p.session.IsReady() {
		return Validation{}, newError(KindNotReady, "WhatsApp client not ready")
	}
	t := p.session.Transport()
	if t == nil {
		return Validation{}, newError(KindNotReady, "WhatsApp client not ready")
	}
	if phone == "" {
		return Validation{}, newError(KindInvalidInput, "Phone number is required")
	}
	rcpt, err := Normalize(phone)
	if err != nil {
		return Validation{}, err
	}

	v := Validation{Phone: rcpt.Digits, FormattedPhone: rcpt.JID}
	p.logger.Info("validating recipient", "to", rcpt.JID)

	v.IsRegistered, err = t.IsRegistered(ctx, rcpt.JID)
	if err != nil {
		return Validation{}, fmt.Errorf("check registration: %w", err)
	}
	if v.IsRegistered {
		c, err := t.LookupContact(ctx, rcpt.JID)
		if err != nil {
			p.logger.Info("could not get contact info", "to", rcpt.JID, "error", err)
		} else {
			v.Contact = &c
		}
	}
	return v, nil
}

// liveTransport returns the current transport if the session is ready and
// the transport itself reports a connected state.
func (p *Pipeline) liveTransport(ctx context.Context) (messenger.Messenger, *Error) {
	t := p.session.Transport()
	if !p.session.IsReady() || t == nil {
		return nil, newError(KindNotReady, "WhatsApp client not ready or disconnected")
	}

	state, err := t.State(ctx)
	if err != nil {
		p.logger.Error("checking client state", "error", err)
		p.session.ReportConnectionLost(t, "state probe failed: "+err.Error())
		return nil, &Error{
			Kind:    KindConnectionLost,
			Message: "WhatsApp client connection lost. Please wait for reconnection.",
			Err:     err,
		}
	}
	if state != messenger.ProbeConnected {
		p.logger.Warn("client state is not connected", "state", state.String())
		p.session.ReportConnectionLost(t, "state probe reported "+state.String())
		return nil, newError(KindConnectionLost,
			fmt.Sprintf("WhatsApp client state is %s. Please wait for reconnection.", state))
	}
	return t, nil
}

// deliver attempts the send up to pol.Attempts times, waiting
// pol.RetryDelay between attempts. It returns the last error on
// exhaustion.
func (p *Pipeline) deliver(ctx context.Context, t messenger.Messenger, jid, body string, pol Policy) (string, int, error) {
	maxAttempts := pol.Attempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		id, err := t.SendText(ctx, jid, body)
		if err == nil {
			return id, attempt, nil
		}

		p.logger.Warn("send attempt failed",
			"to", jid,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err,
		)
		if attempt >= maxAttempts {
			return "", attempt, err
		}

		p.sleepFn(ctx, pol.RetryDelay)
		if ctx.Err() != nil {
			return "", attempt, ctx.Err()
		}
	}
}

// probeContact looks the recipient up for diagnostics, within probeTimeout.
// Its outcome never fails the send. A breaker skips it while it keeps failing.
func (p *Pipeline) probeContact(ctx context.Context, t messenger.Messenger, jid string) {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	c, err := p.probe.Execute(func() (messenger.Contact, error) {
		return t.LookupContact(ctx, jid)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.logger.Debug("contact probe skipped", "to", jid)
	case errors.Is(err, messenger.ErrContactNotFound):
		p.logger.Info("contact not found, sending anyway", "to", jid)
	case err != nil:
		p.logger.Info("contact lookup failed, sending anyway", "to", jid, "error", err)
	default:
		name := c.Name
		if name == "" {
			name = "Unknown"
		}
		p.logger.Info("contact found", "to", jid, "name", name)
	}
}

func (p *Pipeline) newProbeBreaker() *gobreaker.CircuitBreaker[messenger.Contact] {
	return gobreaker.NewCircuitBreaker[messenger.Contact](gobreaker.Settings{
		Name:        "contact-probe",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// An unknown contact is an answer, not a failing lookup path.
			return err == nil || errors.Is(err, messenger.ErrContactNotFound)
		},
	})
}

func (p *Pipeline) record(mode string, attempts int, err *Error) {
	outcome := "ok"
	if err != nil {
		outcome = err.Kind.String()
	}
	metrics.SendsTotal.WithLabelValues(mode, outcome).Inc()
	if attempts > 0 {
		metrics.SendAttempts.WithLabelValues(mode).Observe(float64(attempts))
	}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
