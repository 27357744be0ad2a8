package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/grantledger/milestones/pkg/scheduling"
	"github.com/grantledger/milestones/pkg/signature"
)

// SignatureVerifier checks payloads signed by an identity's keys. A false
// result with a nil error is a bad signature; an error means the key
// lookup could not be made.
type SignatureVerifier interface {
	VerifyObject(ctx context.Context, signed signature.SignedPayload, payload any, identity string) (bool, error)
	VerifyString(ctx context.Context, signed signature.SignedPayload, payload string, identity string) (bool, error)
}

// TransactionVerifier confirms an on-chain proposal transfers amount to
// recipient and references commitment. Errors are transport failures, never
// a mismatch.
type TransactionVerifier interface {
	VerifyTransaction(ctx context.Context, txHash, commitment string, amount decimal.Decimal, recipient string) (bool, error)
}

// EventTimeResolver resolves a scheduling link to the event's start time.
type EventTimeResolver interface {
	ResolveEventTime(ctx context.Context, eventURL string) (time.Time, error)
}

// Store loads and saves grant applications. Load methods return nil, nil
// when nothing matches; Save returns ErrConflict on a version mismatch.
type Store interface {
	Load(ctx context.Context, id, owner string) (*GrantApplication, error)
	LoadByID(ctx context.Context, id string) (*GrantApplication, error)
	Create(ctx context.Context, app *GrantApplication) error
	Save(ctx context.Context, app *GrantApplication) error
	ListByOwner(ctx context.Context, owner string, pageSize int, pageToken string) ([]*GrantApplication, string, error)
}

// EventLog records transition attempts.
type EventLog interface {
	Append(ctx context.Context, event *MilestoneEventRecord) error
	ListByApplication(ctx context.Context, applicationID string, pageSize int, pageToken string) ([]MilestoneEventRecord, string, int, error)
}

// Engine drives milestone transitions. Guards run against a loaded copy,
// external checks run with no lock held, and the mutation is re-applied to
// a fresh copy and saved with a version check.
type Engine struct {
	store        Store
	events       EventLog
	signatures   SignatureVerifier
	transactions TransactionVerifier
	scheduler    EventTimeResolver
	features     Features
	cfg          EngineConfig
	metrics      *Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEventLog sets where transition attempts are recorded.
func WithEventLog(events EventLog) EngineOption {
	return func(e *Engine) { e.events = events }
}

// WithMetrics sets the engine's metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine.
func NewEngine(
	store Store,
	signatures SignatureVerifier,
	transactions TransactionVerifier,
	scheduler EventTimeResolver,
	cfg Config,
	opts ...EngineOption,
) *Engine {
	cfg.Engine.normalize()
	e := &Engine{
		store:        store,
		signatures:   signatures,
		transactions: transactions,
		scheduler:    scheduler,
		features:     cfg.Features,
		cfg:          cfg.Engine,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Features returns the feature switches the engine was built with.
func (e *Engine) Features() Features { return e.features }

// CreateApplicationRequest opens a grant application with seeded milestones.
type CreateApplicationRequest struct {
	Identity   string
	Milestones []MilestoneTerms
}

// CreateMilestoneRequest appends an ad-hoc milestone. Data is the signed
// MilestoneData object.
type CreateMilestoneRequest struct {
	ApplicationID string
	Identity      string
	Signed        signature.SignedPayload
	Data          json.RawMessage
}

// SubmitRequest submits a milestone. Data is the signed SubmissionData object.
type SubmitRequest struct {
	ApplicationID string
	Identity      string
	Index         int
	Signed        signature.SignedPayload
	Data          json.RawMessage
}

// RecordFundingRequest records the DAO proposal transaction for a milestone.
type RecordFundingRequest struct {
	ApplicationID   string
	Identity        string
	Index           int
	TransactionHash string
}

// ScheduleInterviewRequest attaches a signed interview link to a milestone.
type ScheduleInterviewRequest struct {
	ApplicationID string
	Identity      string
	Index         int
	InterviewURL  string
	Signed        signature.SignedPayload
}

// ValidateRequest approves a milestone after its interview. Actor is the
// administrator making the decision.
type ValidateRequest struct {
	ApplicationID string
	Index         int
	Actor         string
}

// CreateApplication generates the salt and seeds the milestones with their
// hash proposals.
func (e *Engine) CreateApplication(ctx context.Context, req CreateApplicationRequest) (*GrantApplication, error) {
	app, err := e.createApplication(ctx, req)
	e.record(ctx, attempt{event: EventCreateApplication, actor: req.Identity, index: -1}, app, "", err)
	return app, err
}

func (e *Engine) createApplication(ctx context.Context, req CreateApplicationRequest) (*GrantApplication, error) {
	if req.Identity == "" {
		return nil, newError(KindUnauthorized, "an account is required")
	}

	fields := map[string]string{}
	deliveries := make([]time.Time, len(req.Milestones))
	for i, t := range req.Milestones {
		for k, v := range validateTerms(i, t) {
			fields[k] = v
		}
		deliveries[i], _ = parseDate(t.DeliveryDate)
	}
	if len(fields) > 0 {
		return nil, &Error{Kind: KindValidationFailed, Message: "invalid grant data", Fields: fields}
	}

	app, err := NewGrantApplication(uuid.New().String(), req.Identity, e.now())
	if err != nil {
		return nil, wrapError(KindInternal, "could not create grant application", err)
	}
	for i, t := range req.Milestones {
		app.appendMilestone(t.Budget, deliveries[i], t.Description)
	}
	if err := e.store.Create(ctx, app); err != nil {
		return nil, wrapError(KindInternal, "could not create grant application", err)
	}
	return app, nil
}

// CreateMilestone appends a milestone when ad-hoc creation is enabled. When
// the data carries submission fields the new milestone is submitted in the
// same commit, subject to the previous milestone being validated.
func (e *Engine) CreateMilestone(ctx context.Context, req CreateMilestoneRequest) (*GrantApplication, error) {
	a := attempt{event: EventCreateMilestone, appID: req.ApplicationID, owner: req.Identity, actor: req.Identity, index: -1}
	app, err := e.createMilestone(ctx, &a, req)
	e.record(ctx, a, app, "", err)
	return app, err
}

func (e *Engine) createMilestone(ctx context.Context, a *attempt, req CreateMilestoneRequest) (*GrantApplication, error) {
	if !e.features.AllowMilestonesOnTheGo {
		return nil, newError(KindFeatureDisabled, "new milestones cannot be created")
	}
	if _, err := e.loadApplication(ctx, *a); err != nil {
		return nil, err
	}
	if err := e.verifyObject(ctx, req.Signed, req.Data, req.Identity); err != nil {
		return nil, err
	}

	var data MilestoneData
	if err := decodeData(req.Data, &data); err != nil {
		return nil, err
	}
	if err := validateMilestoneData(data); err != nil {
		return nil, err
	}
	delivery, _ := parseDate(data.DeliveryDate)
	sub, submitting := data.submission()

	return e.commit(ctx, *a, func(app *GrantApplication) error {
		next := app.Len()
		a.index = next
		if submitting {
			if err := app.CheckSequence(next); err != nil {
				return err
			}
		}
		m := app.appendMilestone(data.Budget, delivery, data.Description)
		if !submitting {
			return nil
		}
		return m.submit(Submission{
			GithubURL:   sub.GithubURL,
			Attachment:  sub.Attachment,
			Comments:    sub.Comments,
			SubmittedAt: e.now(),
		})
	})
}

// Submit records the owner's signed delivery report for a milestone.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*GrantApplication, error) {
	a := attempt{event: EventSubmit, appID: req.ApplicationID, owner: req.Identity, actor: req.Identity, index: req.Index}
	return e.run(ctx, a, func(ctx context.Context, app *GrantApplication, m *Milestone) (mutation, error) {
		if err := e.verifyObject(ctx, req.Signed, req.Data, req.Identity); err != nil {
			return nil, err
		}
		var data SubmissionData
		if err := decodeData(req.Data, &data); err != nil {
			return nil, err
		}
		if err := validateSubmission(data); err != nil {
			return nil, err
		}
		return func(m *Milestone) error {
			return m.submit(Submission{
				GithubURL:   data.GithubURL,
				Attachment:  data.Attachment,
				Comments:    data.Comments,
				SubmittedAt: e.now(),
			})
		}, nil
	})
}

// RecordFunding verifies the DAO proposal transaction against the
// milestone's budget, the owner and the hash proposal, then records it.
// With SkipMilestoneInterviewAndApproval the milestone goes straight to
// validated.
func (e *Engine) RecordFunding(ctx context.Context, req RecordFundingRequest) (*GrantApplication, error) {
	autoApprove := e.features.SkipMilestoneInterviewAndApproval
	event := EventRecordFunding
	if autoApprove {
		event = EventRecordFundingAutoApprove
	}

	a := attempt{event: event, appID: req.ApplicationID, owner: req.Identity, actor: req.Identity, index: req.Index}
	return e.run(ctx, a, func(ctx context.Context, app *GrantApplication, m *Milestone) (mutation, error) {
		if req.TransactionHash == "" {
			return nil, validationError(map[string]string{"proposalNearTransactionHash": "is required"})
		}

		terms := m.Terms()
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ExternalCallTimeout)
		defer cancel()
		start := time.Now()
		ok, err := e.transactions.VerifyTransaction(callCtx, req.TransactionHash, terms.HashProposal, terms.Budget, app.OwnerIdentity)
		e.metrics.observeCall("chain", start)
		if err != nil {
			return nil, wrapError(KindUpstreamUnavailable, "the chain could not be reached, try again later", err)
		}
		if !ok {
			return nil, newError(KindVerificationFailed, "invalid transaction")
		}

		return func(m *Milestone) error {
			if autoApprove {
				return m.recordFundingAutoApprove(req.TransactionHash, e.now())
			}
			return m.recordFunding(req.TransactionHash, e.now())
		}, nil
	})
}

// ScheduleInterview verifies the signed interview link, resolves when the
// interview takes place and records it.
func (e *Engine) ScheduleInterview(ctx context.Context, req ScheduleInterviewRequest) (*GrantApplication, error) {
	a := attempt{event: EventScheduleInterview, appID: req.ApplicationID, owner: req.Identity, actor: req.Identity, index: req.Index}
	return e.run(ctx, a, func(ctx context.Context, app *GrantApplication, m *Milestone) (mutation, error) {
		if req.InterviewURL == "" {
			return nil, validationError(map[string]string{"interviewUrl": "is required"})
		}
		if err := e.verifyString(ctx, req.Signed, req.InterviewURL, req.Identity); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ExternalCallTimeout)
		defer cancel()
		start := time.Now()
		at, err := e.scheduler.ResolveEventTime(callCtx, req.InterviewURL)
		e.metrics.observeCall("scheduling", start)
		switch {
		case errors.Is(err, scheduling.ErrInvalidURL):
			return nil, validationError(map[string]string{"interviewUrl": "must be a scheduled event link"})
		case errors.Is(err, scheduling.ErrEventNotFound):
			return nil, validationError(map[string]string{"interviewUrl": "the scheduled event could not be found"})
		case err != nil:
			return nil, wrapError(KindUpstreamUnavailable, "the scheduling service could not be reached, try again later", err)
		}

		return func(m *Milestone) error {
			return m.scheduleInterview(Interview{URL: req.InterviewURL, ScheduledAt: e.now(), At: at})
		}, nil
	})
}

// Validate approves a milestone whose interview has taken place. It is an
// administrative action and does not check ownership.
func (e *Engine) Validate(ctx context.Context, req ValidateRequest) (*GrantApplication, error) {
	a := attempt{event: EventValidate, appID: req.ApplicationID, actor: req.Actor, index: req.Index, admin: true}
	return e.run(ctx, a, func(ctx context.Context, app *GrantApplication, m *Milestone) (mutation, error) {
		return func(m *Milestone) error {
			if iv := m.Interview(); iv != nil && e.now().Before(iv.At) {
				return newError(KindOrderingViolation, "the interview has not taken place yet")
			}
			return m.validate(e.now())
		}, nil
	})
}

// Get returns the application with id owned by owner.
func (e *Engine) Get(ctx context.Context, id, owner string) (*GrantApplication, error) {
	return e.loadApplication(ctx, attempt{appID: id, owner: owner})
}

// List returns a page of the owner's applications.
func (e *Engine) List(ctx context.Context, owner string, pageSize int, pageToken string) ([]*GrantApplication, string, error) {
	apps, next, err := e.store.ListByOwner(ctx, owner, pageSize, pageToken)
	if err != nil {
		return nil, "", wrapError(KindInternal, "could not list grant applications", err)
	}
	return apps, next, nil
}

// History returns a page of recorded transition attempts for an
// application owned by owner.
func (e *Engine) History(ctx context.Context, id, owner string, pageSize int, pageToken string) ([]MilestoneEventRecord, string, int, error) {
	if _, err := e.Get(ctx, id, owner); err != nil {
		return nil, "", 0, err
	}
	if pageToken != "" {
		if _, _, err := parseEventPageToken(pageToken); err != nil {
			return nil, "", 0, validationError(map[string]string{"pageToken": "is not a valid page token"})
		}
	}
	if e.events == nil {
		return []MilestoneEventRecord{}, "", 0, nil
	}
	records, next, total, err := e.events.ListByApplication(ctx, id, pageSize, pageToken)
	if err != nil {
		return nil, "", 0, wrapError(KindInternal, "could not list milestone events", err)
	}
	return records, next, total, nil
}

// attempt identifies one transition request.
type attempt struct {
	event Event
	appID string
	owner string
	actor string
	index int
	admin bool
}

// mutation applies a transition to a freshly loaded milestone.
type mutation func(m *Milestone) error

// prepareFunc runs the request's checks, including external calls, and
// returns the mutation to commit.
type prepareFunc func(ctx context.Context, app *GrantApplication, m *Milestone) (mutation, error)

func (e *Engine) run(ctx context.Context, a attempt, prepare prepareFunc) (*GrantApplication, error) {
	var from MilestoneState
	app, err := e.transition(ctx, a, prepare, &from)
	e.record(ctx, a, app, from, err)
	return app, err
}

func (e *Engine) transition(ctx context.Context, a attempt, prepare prepareFunc, from *MilestoneState) (*GrantApplication, error) {
	app, err := e.loadApplication(ctx, a)
	if err != nil {
		return nil, err
	}
	m, err := guard(app, a)
	if err != nil {
		if m != nil {
			*from = m.State()
		}
		return nil, err
	}
	*from = m.State()

	mutate, err := prepare(ctx, app, m)
	if err != nil {
		return nil, err
	}
	return e.commit(ctx, a, func(app *GrantApplication) error {
		m, err := guard(app, a)
		if err != nil {
			return err
		}
		return mutate(m)
	})
}

// guard checks that the target milestone exists, that its predecessors are
// validated and that the event is legal in its current state.
func guard(app *GrantApplication, a attempt) (*Milestone, error) {
	m, err := app.Milestone(a.index)
	if err != nil {
		return nil, err
	}
	if err := app.CheckSequence(a.index); err != nil {
		return m, err
	}
	if err := m.Guard(a.event); err != nil {
		return m, err
	}
	return m, nil
}

// commit reloads the application, applies fn and saves it with a version
// check, retrying when another writer got there first.
func (e *Engine) commit(ctx context.Context, a attempt, fn func(app *GrantApplication) error) (*GrantApplication, error) {
	for i := 0; i < e.cfg.CommitAttempts; i++ {
		app, err := e.loadApplication(ctx, a)
		if err != nil {
			return nil, err
		}
		if err := fn(app); err != nil {
			return nil, err
		}
		err = e.store.Save(ctx, app)
		if err == nil {
			return app, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, wrapError(KindInternal, "could not save grant application", err)
		}
		e.logger.Debug("commit lost version race, retrying",
			"applicationId", a.appID, "event", a.event, "attempt", i+1)
	}
	return nil, newError(KindConflict, "the grant application is being modified, try again")
}

func (e *Engine) loadApplication(ctx context.Context, a attempt) (*GrantApplication, error) {
	var (
		app *GrantApplication
		err error
	)
	if a.admin {
		app, err = e.store.LoadByID(ctx, a.appID)
	} else {
		app, err = e.store.Load(ctx, a.appID, a.owner)
	}
	if err != nil {
		return nil, wrapError(KindInternal, "could not load grant application", err)
	}
	if app == nil {
		return nil, newError(KindNotFound, "no such grant application under this account")
	}
	return app, nil
}

func (e *Engine) verifyObject(ctx context.Context, signed signature.SignedPayload, data json.RawMessage, identity string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ExternalCallTimeout)
	defer cancel()
	start := time.Now()
	ok, err := e.signatures.VerifyObject(callCtx, signed, data, identity)
	e.metrics.observeCall("keys", start)
	return signatureResult(ok, err)
}

func (e *Engine) verifyString(ctx context.Context, signed signature.SignedPayload, payload, identity string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ExternalCallTimeout)
	defer cancel()
	start := time.Now()
	ok, err := e.signatures.VerifyString(callCtx, signed, payload, identity)
	e.metrics.observeCall("keys", start)
	return signatureResult(ok, err)
}

func signatureResult(ok bool, err error) error {
	if err != nil {
		return wrapError(KindUpstreamUnavailable, "account keys could not be loaded, try again later", err)
	}
	if !ok {
		return newError(KindUnauthorized, "invalid signature")
	}
	return nil
}

// record logs, counts and audits a finished attempt. Audit writes are best
// effort.
func (e *Engine) record(ctx context.Context, a attempt, app *GrantApplication, from MilestoneState, err error) {
	e.metrics.observeTransition(a.event, err)

	ev := &MilestoneEventRecord{
		ID:            uuid.New().String(),
		ApplicationID: a.appID,
		Position:      a.index,
		Event:         string(a.event),
		Actor:         a.actor,
		Outcome:       OutcomeSuccess,
		FromState:     string(from),
		RequestID:     middleware.GetReqID(ctx),
		CreatedAt:     e.now(),
	}
	if app != nil {
		ev.ApplicationID = app.ID
		if m, merr := app.Milestone(a.index); merr == nil {
			ev.ToState = string(m.State())
		}
	}
	if ev.Actor == "" {
		ev.Actor = "anonymous"
	}

	logger := e.logger.With("applicationId", ev.ApplicationID, "index", a.index, "event", a.event, "actor", ev.Actor)
	switch kind := KindOf(err); {
	case err == nil:
		logger.Info("milestone transition applied", "from", from, "to", ev.ToState)
	case kind == KindInternal:
		ev.Outcome = OutcomeError
		ev.Reason = "internal error"
		logger.Error("milestone transition failed", "error", err)
	default:
		ev.Outcome = OutcomeRejected
		ev.Reason = fmt.Sprintf("%s: %s", kind, publicMessage(err))
		logger.Info("milestone transition rejected", "kind", kind, "reason", publicMessage(err))
	}

	if e.events == nil || ev.ApplicationID == "" {
		return
	}
	if aerr := e.events.Append(context.WithoutCancel(ctx), ev); aerr != nil {
		logger.Warn("failed to append milestone event", "error", aerr)
	}
}

// publicMessage is the client-safe text of err.
func publicMessage(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Message
	}
	return "internal error"
}
