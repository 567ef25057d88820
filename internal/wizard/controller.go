// Package wizard drives the enrollment and scheduler wizards: step ordering,
// validation, the enrollment side effect and the scheduling step.
package wizard

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dr-enrollment/internal/enrollment"
	"github.com/wolfman30/dr-enrollment/internal/events"
	"github.com/wolfman30/dr-enrollment/internal/scheduling"
	"github.com/wolfman30/dr-enrollment/internal/sessions"
	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

var wizardTracer = otel.Tracer("dr.internal.wizard")

// ProviderFactory returns the scheduling provider variant for an instance.
type ProviderFactory interface {
	For(instanceID string, mode scheduling.Mode) (scheduling.Provider, error)
}

// InstanceDirectory reports which provider variant an instance uses.
type InstanceDirectory interface {
	ProviderMode(ctx context.Context, instanceID string) (scheduling.Mode, error)
}

// Metrics receives step submission outcomes.
type Metrics interface {
	ObserveStepSubmission(formType string, step int, result string)
}

// Options are the controller tunables.
type Options struct {
	ResumeTokenTTL time.Duration
	// ClaimTTL bounds how long an unfinished side-effect claim blocks retries.
	ClaimTTL    time.Duration
	SlotsPerDay int
}

func (o Options) withDefaults() Options {
	if o.ResumeTokenTTL <= 0 {
		o.ResumeTokenTTL = 72 * time.Hour
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = time.Minute
	}
	if o.SlotsPerDay <= 0 {
		o.SlotsPerDay = 4
	}
	return o
}

// Config wires the controller's collaborators.
type Config struct {
	Store     sessions.Backend
	Providers ProviderFactory
	Instances InstanceDirectory
	Resolver  *scheduling.Resolver
	Submitter enrollment.Submitter
	Events    events.Publisher
	Metrics   Metrics
	Logger    *logging.Logger
	Options   Options
}

// Controller is the wizard state machine.
type Controller struct {
	store     sessions.Backend
	providers ProviderFactory
	instances InstanceDirectory
	resolver  *scheduling.Resolver
	submitter enrollment.Submitter
	events    events.Publisher
	metrics   Metrics
	logger    *logging.Logger
	opts      Options
	now       func() time.Time
}

// NewController validates the wiring and builds a controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("wizard: session store required")
	}
	if cfg.Providers == nil {
		return nil, errors.New("wizard: provider factory required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("wizard: slot resolver required")
	}
	if cfg.Submitter == nil {
		return nil, errors.New("wizard: enrollment submitter required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &Controller{
		store:     cfg.Store,
		providers: cfg.Providers,
		instances: cfg.Instances,
		resolver:  cfg.Resolver,
		submitter: cfg.Submitter,
		events:    publisher,
		metrics:   cfg.Metrics,
		logger:    logger,
		opts:      cfg.Options.withDefaults(),
		now:       time.Now,
	}, nil
}

// WithClock overrides the controller clock.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// StepView is what a client renders for one step.
type StepView struct {
	SessionID   string                          `json:"session_id"`
	FormType    sessions.FormType               `json:"form_type"`
	Step        int                             `json:"step"`
	TotalSteps  int                             `json:"total_steps"`
	CurrentStep int                             `json:"current_step"`
	Status      sessions.Status                 `json:"status"`
	Title       string                          `json:"title"`
	Fields      []string                        `json:"fields"`
	Values      map[string]string               `json:"values"`
	Slots       *scheduling.SlotCalendar        `json:"slots,omitempty"`
	Display     []scheduling.ScheduleSlot       `json:"display,omitempty"`
	Outcome     scheduling.Outcome              `json:"outcome,omitempty"`
	Existing    *scheduling.ExistingAppointment `json:"existing_appointment,omitempty"`
	CanEdit     bool                            `json:"can_edit"`
}

// SubmitResult is the outcome of a successful step submission.
type SubmitResult struct {
	SessionID string            `json:"session_id"`
	Step      int               `json:"step"`
	NextStep  int               `json:"next_step,omitempty"`
	Status    sessions.Status   `json:"status"`
	Payload   map[string]string `json:"payload,omitempty"`
	Replayed  bool              `json:"replayed,omitempty"`
}

// ResumeToken is a single-use handle for continuing a session elsewhere.
type ResumeToken struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StartSession creates a session at step 1, or returns the visitor's
// in-progress session for the instance when one exists.
func (c *Controller) StartSession(ctx context.Context, instanceID string, form sessions.FormType, visitorID string) (*sessions.Session, error) {
	instanceID = strings.TrimSpace(instanceID)
	visitorID = strings.TrimSpace(visitorID)
	if instanceID == "" {
		return nil, fieldError("instance_id", "required")
	}
	if !form.Valid() {
		return nil, fieldError("form_type", "must be enrollment or scheduler")
	}

	if visitorID != "" {
		existing, err := c.store.FindActive(ctx, instanceID, visitorID)
		switch {
		case err == nil && existing.FormType == form:
			return existing, nil
		case err != nil && !errors.Is(err, sessions.ErrNotFound):
			return nil, fmt.Errorf("wizard: find active session: %w", err)
		}
	}

	mode := scheduling.ModeDemo
	if c.instances != nil {
		m, err := c.instances.ProviderMode(ctx, instanceID)
		if err != nil {
			return nil, fmt.Errorf("wizard: resolve provider mode: %w", err)
		}
		mode = m
	}

	now := c.now().UTC()
	sess := &sessions.Session{
		ID:             uuid.NewString(),
		InstanceID:     instanceID,
		VisitorID:      visitorID,
		FormType:       form,
		ProviderMode:   string(mode),
		TotalSteps:     TotalSteps(form),
		CurrentStep:    1,
		Data:           map[string]sessions.Field{},
		Status:         sessions.StatusInProgress,
		Version:        1,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := c.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("wizard: create session: %w", err)
	}
	c.logger.Info("wizard session started", "session_id", sess.ID, "instance_id", instanceID, "form_type", form, "provider_mode", mode)
	return sess, nil
}

// LoadStep renders a step. Steps up to current_step+1 may be loaded; the
// scheduling step resolves a fresh calendar.
func (c *Controller) LoadStep(ctx context.Context, sessionID string, step int) (*StepView, error) {
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.view(ctx, sess, step)
}

func (c *Controller) view(ctx context.Context, sess *sessions.Session, step int) (*StepView, error) {
	if sess.Terminal() {
		return nil, sequenceErr(CodeSessionTerminal, "session is %s", sess.Status)
	}
	def, ok := stepDef(sess.FormType, step)
	if !ok || step > sess.CurrentStep+1 {
		return nil, sequenceErr(CodeInvalidStepSequence, "step %d is not reachable from step %d", step, sess.CurrentStep)
	}

	v := &StepView{
		SessionID:   sess.ID,
		FormType:    sess.FormType,
		Step:        step,
		TotalSteps:  sess.TotalSteps,
		CurrentStep: sess.CurrentStep,
		Status:      sess.Status,
		Title:       def.Title,
		Fields:      append([]string(nil), def.Fields...),
		Values:      map[string]string{},
		CanEdit:     step == sess.TotalSteps && sess.CurrentStep == sess.TotalSteps,
	}
	if def.kind == kindSchedule {
		// The confirmation step summarizes everything collected.
		v.Values = sess.Values()
	} else {
		for _, name := range def.Fields {
			if val := sess.Value(name); val != "" {
				v.Values[name] = val
			}
		}
	}

	if def.kind == kindSchedule {
		provider, err := c.providerFor(sess)
		if err != nil {
			return nil, err
		}
		cal, err := c.resolver.ResolveSlots(ctx, provider, resolveRequestFor(sess))
		if err != nil {
			return nil, err
		}
		v.Slots = cal
		v.Outcome = cal.Outcome
		v.Existing = cal.Existing
		v.Display = cal.SlotsForDisplay(c.opts.SlotsPerDay)
	}
	return v, nil
}

// SubmitStep validates and applies one step. The enrollment-finalization
// step and the scheduling step run their side effect at most once per
// (session, step); repeats replay the stored result.
func (c *Controller) SubmitStep(ctx context.Context, sessionID string, step int, fields map[string]string) (*SubmitResult, error) {
	ctx, span := wizardTracer.Start(ctx, "wizard.submit_step")
	defer span.End()
	span.SetAttributes(
		attribute.String("dr.session_id", sessionID),
		attribute.Int("dr.step", step),
	)

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("dr.form_type", string(sess.FormType)))

	res, err := c.submit(ctx, sess, step, fields)
	if c.metrics != nil {
		c.metrics.ObserveStepSubmission(string(sess.FormType), step, resultLabel(res, err))
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

func (c *Controller) submit(ctx context.Context, sess *sessions.Session, step int, fields map[string]string) (*SubmitResult, error) {
	def, ok := stepDef(sess.FormType, step)
	if !ok {
		return nil, sequenceErr(CodeInvalidStepSequence, "step %d does not exist", step)
	}

	sideEffect := def.kind == kindFinalize || def.kind == kindSchedule
	if sideEffect {
		prior, err := c.store.ClaimStep(ctx, sess.ID, step, c.opts.ClaimTTL)
		switch {
		case errors.Is(err, sessions.ErrStepInFlight):
			return nil, &IdempotencyConflict{SessionID: sess.ID, Step: step}
		case err != nil:
			return nil, fmt.Errorf("wizard: claim step: %w", err)
		case prior != nil:
			return c.replay(ctx, sess, def, prior, fields)
		}
		completed := false
		defer func() {
			if completed {
				return
			}
			if err := c.store.ReleaseStep(context.WithoutCancel(ctx), sess.ID, step); err != nil {
				c.logger.Error("failed to release step claim", "error", err, "session_id", sess.ID, "step", step)
			}
		}()
		res, err := c.submitSideEffect(ctx, sess, def, fields)
		if err == nil {
			completed = true
		}
		return res, err
	}

	if err := checkSubmittable(sess, step); err != nil {
		return nil, err
	}
	values, problems := normalizeAndValidate(def, fields, sess)
	if len(problems) > 0 {
		return nil, &ValidationError{Fields: problems}
	}

	switch def.kind {
	case kindDevice:
		if err := c.checkPromo(ctx, sess, values); err != nil {
			return nil, err
		}
	case kindAccount:
		if err := c.validateAccount(ctx, sess, values); err != nil {
			return nil, err
		}
	}

	updated, err := c.advance(ctx, sess.ID, step, values)
	if err != nil {
		return nil, err
	}
	return resultFor(updated, step, nil, false), nil
}

// submitSideEffect runs a claimed finalization or scheduling step. On
// success the result is recorded in the ledger before the session advances.
func (c *Controller) submitSideEffect(ctx context.Context, sess *sessions.Session, def StepDef, fields map[string]string) (*SubmitResult, error) {
	step := def.Number
	if err := checkSubmittable(sess, step); err != nil {
		return nil, err
	}
	values, problems := normalizeAndValidate(def, fields, sess)
	if len(problems) > 0 {
		return nil, &ValidationError{Fields: problems}
	}
	var (
		payload map[string]string
		event   events.CanonicalEvent
		err     error
	)
	switch def.kind {
	case kindFinalize:
		payload, event, err = c.enroll(ctx, sess, values)
	case kindSchedule:
		payload, event, err = c.schedule(ctx, sess, values)
	}
	if err != nil {
		if enrollment.IsRejected(err) {
			c.markFailed(ctx, sess.ID, step, err)
		}
		return nil, err
	}

	next := step + 1
	if step == sess.TotalSteps {
		next = 0
	}
	if err := c.store.CompleteStep(ctx, sessions.StepResult{
		SessionID:   sess.ID,
		Step:        step,
		NextStep:    next,
		Payload:     payload,
		CompletedAt: c.now().UTC(),
	}); err != nil {
		c.logger.Error("failed to record step result", "error", err, "session_id", sess.ID, "step", step)
	}

	merged := make(map[string]string, len(values)+len(payload))
	for k, v := range values {
		merged[k] = v
	}
	for k, v := range payload {
		merged[k] = v
	}
	updated, err := c.advance(ctx, sess.ID, step, merged)
	if IsSequence(err, CodeInvalidStepSequence) {
		// A concurrent replay already advanced the session.
		updated, err = c.load(ctx, sess.ID)
	}
	if err != nil {
		return nil, err
	}

	if event != nil {
		if err := c.events.Publish(ctx, sess.InstanceID, sess.ID, event); err != nil {
			c.logger.Warn("domain event publish failed", "error", err, "session_id", sess.ID, "type", event.EventType())
		}
	}
	return resultFor(updated, step, payload, false), nil
}

// replay returns a stored side-effect result. If the session sits at the step
// again (an edit jump-back, or the write after the side effect was lost), the
// resubmitted fields are validated and merged before it advances.
func (c *Controller) replay(ctx context.Context, sess *sessions.Session, def StepDef, prior *sessions.StepResult, fields map[string]string) (*SubmitResult, error) {
	current := sess
	if !sess.Terminal() && sess.CurrentStep == prior.Step {
		values, problems := normalizeAndValidate(def, fields, sess)
		if len(problems) > 0 {
			return nil, &ValidationError{Fields: problems}
		}
		for k, v := range prior.Payload {
			values[k] = v
		}
		updated, err := c.advance(ctx, sess.ID, prior.Step, values)
		if err != nil && !IsSequence(err, CodeInvalidStepSequence) {
			return nil, err
		}
		if updated != nil {
			current = updated
		}
	}
	c.logger.Info("replayed step result", "session_id", sess.ID, "step", prior.Step)
	res := resultFor(current, prior.Step, prior.Payload, true)
	res.NextStep = prior.NextStep
	return res, nil
}

func checkSubmittable(sess *sessions.Session, step int) error {
	if sess.Terminal() {
		return sequenceErr(CodeSessionTerminal, "session is %s", sess.Status)
	}
	if step != sess.CurrentStep {
		return sequenceErr(CodeInvalidStepSequence, "expected step %d, got %d", sess.CurrentStep, step)
	}
	return nil
}

// advance merges values and moves the session past step under the store's
// compare-and-set.
func (c *Controller) advance(ctx context.Context, sessionID string, step int, values map[string]string) (*sessions.Session, error) {
	now := c.now().UTC()
	updated, err := c.store.Update(ctx, sessionID, func(s *sessions.Session) error {
		if err := checkSubmittable(s, step); err != nil {
			return err
		}
		s.Merge(values, now)
		s.Status = sessions.StatusInProgress
		if step >= s.TotalSteps {
			s.Status = sessions.StatusCompleted
		} else {
			s.CurrentStep = step + 1
		}
		s.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr("advance session", err)
	}
	return updated, nil
}

func (c *Controller) markFailed(ctx context.Context, sessionID string, step int, cause error) {
	now := c.now().UTC()
	_, err := c.store.Update(context.WithoutCancel(ctx), sessionID, func(s *sessions.Session) error {
		if s.Terminal() || s.CurrentStep != step {
			return nil
		}
		s.Status = sessions.StatusFailed
		s.LastActivityAt = now
		return nil
	})
	if err != nil {
		c.logger.Error("failed to mark session failed", "error", err, "session_id", sessionID)
		return
	}
	c.logger.Warn("wizard session failed", "session_id", sessionID, "step", step, "error", cause)
}

func (c *Controller) checkPromo(ctx context.Context, sess *sessions.Session, values map[string]string) error {
	code := values["promo_code"]
	if code == "" {
		return nil
	}
	provider, err := c.providerFor(sess)
	if err != nil {
		return err
	}
	codes, err := provider.GetPromoCodes(ctx)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		return nil
	}
	for _, pc := range codes {
		if !strings.EqualFold(pc.Code, code) {
			continue
		}
		if len(pc.DeviceTypes) == 0 {
			return nil
		}
		for _, dt := range pc.DeviceTypes {
			if dt == values["device_type"] {
				return nil
			}
		}
		return fieldError("promo_code", "promo code does not apply to this device")
	}
	return fieldError("promo_code", "unknown promo code")
}

func (c *Controller) validateAccount(ctx context.Context, sess *sessions.Session, values map[string]string) error {
	provider, err := c.providerFor(sess)
	if err != nil {
		return err
	}
	res, err := provider.ValidateAccount(ctx, scheduling.AccountRequest{
		AccountNumber: values["account_number"],
		ZipCode:       values["zip_code"],
	})
	if err != nil {
		return err
	}
	if !res.Valid {
		msg := res.Message
		if msg == "" {
			msg = "account could not be verified"
		}
		return fieldError("account_number", msg)
	}
	values[keyAccountValidated] = "true"
	if res.CANo != "" {
		values[keyCANo] = res.CANo
	}
	if res.ComvergeNo != "" {
		values[keyComvergeNo] = res.ComvergeNo
	}
	return nil
}

// enroll is the Submitting transition: the remote enrollment call that
// issues the scheduling identifiers.
func (c *Controller) enroll(ctx context.Context, sess *sessions.Session, values map[string]string) (map[string]string, events.CanonicalEvent, error) {
	ctx, span := wizardTracer.Start(ctx, "wizard.enrollment_submit")
	defer span.End()
	span.SetAttributes(attribute.String("dr.session_id", sess.ID))

	all := sess.Values()
	// The finalization step's own fields come only from this validated submission.
	if def, ok := stepDef(sess.FormType, sess.CurrentStep); ok {
		for _, name := range def.Fields {
			delete(all, name)
		}
	}
	for k, v := range values {
		all[k] = v
	}
	res, err := c.submitter.Submit(ctx, enrollment.Submission{
		SessionID:       sess.ID,
		InstanceID:      sess.InstanceID,
		DeviceType:      all["device_type"],
		PromoCode:       all["promo_code"],
		AccountNumber:   all["account_number"],
		ZipCode:         all["zip_code"],
		FirstName:       all["first_name"],
		LastName:        all["last_name"],
		Email:           all["email"],
		Phone:           all["phone"],
		Street:          all["street"],
		City:            all["city"],
		State:           all["state"],
		ServiceZip:      all["service_zip"],
		Ownership:       all["ownership"],
		ThermostatCount: all["thermostat_count"],
	})
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("enrollment submission failed", "error", err, "session_id", sess.ID)
		return nil, nil, err
	}

	payload := map[string]string{keyEnrolledAt: c.now().UTC().Format(time.RFC3339)}
	if res.FSRNo != "" {
		payload[keyFSRNo] = res.FSRNo
	}
	if res.CANo != "" {
		payload[keyCANo] = res.CANo
	}
	if res.ComvergeNo != "" {
		payload[keyComvergeNo] = res.ComvergeNo
	}
	span.SetAttributes(attribute.Bool("dr.enrollment.fsr_issued", res.FSRNo != ""))

	evt := events.EnrollmentCompletedV1{
		SubmissionID:  sess.ID,
		AccountNumber: all["account_number"],
		CustomerName:  customerName(all),
		DeviceType:    all["device_type"],
	}
	return payload, evt, nil
}

// schedule books the chosen window, or completes against an appointment the
// provider already holds for the account.
func (c *Controller) schedule(ctx context.Context, sess *sessions.Session, values map[string]string) (map[string]string, events.CanonicalEvent, error) {
	provider, err := c.providerFor(sess)
	if err != nil {
		return nil, nil, err
	}
	req := resolveRequestFor(sess)
	cal, err := c.resolver.ResolveSlots(ctx, provider, req)
	if err != nil {
		return nil, nil, err
	}

	date, code := values["schedule_date"], values["schedule_time"]
	switch cal.Outcome {
	case scheduling.OutcomeNeedsAccount:
		return nil, nil, fieldError("account_number", "a validated account is required before scheduling")
	case scheduling.OutcomeAlreadyScheduled:
		if date != "" || code != "" {
			return nil, nil, fieldError("schedule_date", "an appointment is already scheduled for this account")
		}
		payload := map[string]string{keyAlreadyScheduled: "true"}
		if cal.FSRNo != "" {
			payload[keyFSRNo] = cal.FSRNo
		}
		if cal.Existing != nil {
			payload["schedule_date"] = cal.Existing.Date
			payload["schedule_time"] = string(cal.Existing.TimeCode)
		}
		return payload, nil, nil
	}

	if date == "" || code == "" {
		return nil, nil, &ValidationError{Fields: map[string]string{"schedule_date": "required", "schedule_time": "required"}}
	}
	if !cal.IsAvailable(date, scheduling.TimeCode(code)) {
		return nil, nil, fieldError("schedule_time", "the selected window is no longer available")
	}

	fsr := sess.Value(keyFSRNo)
	if v := values[keyFSRNo]; v != "" {
		fsr = v
	}
	if fsr == "" {
		fsr = cal.FSRNo
	}
	appt, err := c.submitter.BookAppointment(ctx, enrollment.AppointmentRequest{
		SessionID:  sess.ID,
		AccountRef: cal.AccountRef,
		FSRNo:      fsr,
		Date:       date,
		TimeCode:   scheduling.TimeCode(code),
	})
	if err != nil {
		return nil, nil, err
	}

	payload := map[string]string{
		"schedule_date":   appt.Date,
		"schedule_time":   string(appt.TimeCode),
		keyConfirmationNo: appt.ConfirmationNo,
	}
	if appt.FSRNo != "" {
		payload[keyFSRNo] = appt.FSRNo
	}
	all := sess.Values()
	evt := events.AppointmentScheduledV1{
		SubmissionID:  sess.ID,
		AccountNumber: all["account_number"],
		CustomerName:  customerName(all),
		ScheduleDate:  appt.Date,
		ScheduleTime:  string(appt.TimeCode),
	}
	return payload, evt, nil
}

// Edit jumps back from the confirmation step to an earlier step. Collected
// data is kept as-is.
func (c *Controller) Edit(ctx context.Context, sessionID string, target int) (*StepView, error) {
	now := c.now().UTC()
	updated, err := c.store.Update(ctx, sessionID, func(s *sessions.Session) error {
		if s.Terminal() {
			return sequenceErr(CodeSessionTerminal, "session is %s", s.Status)
		}
		if s.CurrentStep != s.TotalSteps {
			return sequenceErr(CodeEditNotAllowed, "edit is only available from the confirmation step")
		}
		if target < 1 || target >= s.TotalSteps {
			return sequenceErr(CodeEditNotAllowed, "cannot edit step %d", target)
		}
		s.CurrentStep = target
		s.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr("edit session", err)
	}
	c.logger.Info("wizard edit jump", "session_id", sessionID, "target_step", target)
	return c.view(ctx, updated, target)
}

// IssueResumeToken mints a single-use token for the session.
func (c *Controller) IssueResumeToken(ctx context.Context, sessionID string) (*ResumeToken, error) {
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, sequenceErr(CodeSessionTerminal, "session is %s", sess.Status)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("wizard: generate resume token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := c.store.SaveResumeToken(ctx, token, sess.ID, c.opts.ResumeTokenTTL); err != nil {
		return nil, fmt.Errorf("wizard: save resume token: %w", err)
	}
	if _, err := c.store.Update(ctx, sess.ID, func(s *sessions.Session) error {
		s.ResumeToken = token
		return nil
	}); err != nil {
		return nil, wrapStoreErr("record resume token", err)
	}
	return &ResumeToken{Token: token, SessionID: sess.ID, ExpiresAt: c.now().UTC().Add(c.opts.ResumeTokenTTL)}, nil
}

// ResumeFromToken consumes a token and returns the session at its current step.
func (c *Controller) ResumeFromToken(ctx context.Context, token string) (*sessions.Session, *StepView, error) {
	token = strings.ToLower(strings.TrimSpace(token))
	if len(token) != 64 {
		return nil, nil, sequenceErr(CodeResumeInvalid, "malformed resume token")
	}
	if _, err := hex.DecodeString(token); err != nil {
		return nil, nil, sequenceErr(CodeResumeInvalid, "malformed resume token")
	}

	sessionID, err := c.store.ConsumeResumeToken(ctx, token)
	if errors.Is(err, sessions.ErrTokenNotFound) {
		return nil, nil, sequenceErr(CodeResumeExpired, "resume token expired or already used")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("wizard: consume resume token: %w", err)
	}

	now := c.now().UTC()
	sess, err := c.store.Update(ctx, sessionID, func(s *sessions.Session) error {
		if s.Terminal() {
			return sequenceErr(CodeSessionTerminal, "session is %s", s.Status)
		}
		if s.ResumeToken == token {
			s.ResumeToken = ""
		}
		s.LastActivityAt = now
		return nil
	})
	if errors.Is(err, sessions.ErrNotFound) {
		return nil, nil, sequenceErr(CodeResumeInvalid, "resume token does not reference a session")
	}
	if err != nil {
		return nil, nil, wrapStoreErr("resume session", err)
	}
	v, err := c.view(ctx, sess, sess.CurrentStep)
	if err != nil {
		return nil, nil, err
	}
	return sess, v, nil
}

// Abandon moves a non-terminal session to abandoned.
func (c *Controller) Abandon(ctx context.Context, sessionID string) (*sessions.Session, error) {
	now := c.now().UTC()
	sess, err := c.store.Update(ctx, sessionID, func(s *sessions.Session) error {
		if s.Terminal() {
			return sequenceErr(CodeSessionTerminal, "session is %s", s.Status)
		}
		s.Status = sessions.StatusAbandoned
		s.LastActivityAt = now
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr("abandon session", err)
	}
	return sess, nil
}

// Session returns the stored session.
func (c *Controller) Session(ctx context.Context, sessionID string) (*sessions.Session, error) {
	return c.load(ctx, sessionID)
}

// ResolveSlots resolves availability for an instance outside of a session.
func (c *Controller) ResolveSlots(ctx context.Context, instanceID string, req scheduling.ResolveRequest) (*scheduling.SlotCalendar, error) {
	provider, err := c.providerForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return c.resolver.ResolveSlots(ctx, provider, req)
}

// PromoCodes lists the promo codes offered for an instance.
func (c *Controller) PromoCodes(ctx context.Context, instanceID string) ([]scheduling.PromoCode, error) {
	provider, err := c.providerForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return provider.GetPromoCodes(ctx)
}

func (c *Controller) load(ctx context.Context, sessionID string) (*sessions.Session, error) {
	sess, err := c.store.Get(ctx, sessionID)
	if errors.Is(err, sessions.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wizard: load session: %w", err)
	}
	return sess, nil
}

func (c *Controller) providerFor(sess *sessions.Session) (scheduling.Provider, error) {
	p, err := c.providers.For(sess.InstanceID, scheduling.ParseMode(sess.ProviderMode))
	if err != nil {
		return nil, fmt.Errorf("wizard: provider: %w", err)
	}
	return p, nil
}

func (c *Controller) providerForInstance(ctx context.Context, instanceID string) (scheduling.Provider, error) {
	mode := scheduling.ModeDemo
	if c.instances != nil {
		m, err := c.instances.ProviderMode(ctx, instanceID)
		if err != nil {
			return nil, fmt.Errorf("wizard: resolve provider mode: %w", err)
		}
		mode = m
	}
	p, err := c.providers.For(instanceID, mode)
	if err != nil {
		return nil, fmt.Errorf("wizard: provider: %w", err)
	}
	return p, nil
}

func resolveRequestFor(sess *sessions.Session) scheduling.ResolveRequest {
	return scheduling.ResolveRequest{
		AccountNumber: sess.Value("account_number"),
		CANo:          sess.Value(keyCANo),
		ComvergeNo:    sess.Value(keyComvergeNo),
	}
}

func resultFor(sess *sessions.Session, step int, payload map[string]string, replayed bool) *SubmitResult {
	res := &SubmitResult{
		SessionID: sess.ID,
		Step:      step,
		Status:    sess.Status,
		Payload:   payload,
		Replayed:  replayed,
	}
	if sess.Status != sessions.StatusCompleted {
		res.NextStep = sess.CurrentStep
	}
	return res
}

func customerName(values map[string]string) string {
	return strings.TrimSpace(values["first_name"] + " " + values["last_name"])
}

func wrapStoreErr(op string, err error) error {
	var se *SequenceError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, sessions.ErrNotFound) {
		return ErrSessionNotFound
	}
	return fmt.Errorf("wizard: %s: %w", op, err)
}

func resultLabel(res *SubmitResult, err error) string {
	var (
		ve *ValidationError
		se *SequenceError
		ic *IdempotencyConflict
		rl *scheduling.RateLimitedError
		te *scheduling.TransportError
	)
	switch {
	case err == nil && res != nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation_error"
	case errors.As(err, &se):
		return "sequence_error"
	case errors.As(err, &ic):
		return "conflict"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &te):
		return "transport_error"
	case enrollment.IsRejected(err):
		return "rejected"
	default:
		return "error"
	}
}
