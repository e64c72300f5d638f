package rbac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/observability"
)

var engineTracer = otel.Tracer("bastion/rbac/engine")

// Effect is the outcome of a decision
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Reason explains which rule produced a decision
type Reason string

const (
	ReasonAllow             Reason = "allow"
	ReasonExplicitDeny      Reason = "deny_explicit"
	ReasonDefaultDeny       Reason = "deny_default"
	ReasonConditionFailed   Reason = "deny_condition"
	ReasonPrincipalNotFound Reason = "deny_principal_not_found"
	ReasonError             Reason = "deny_error"
)

// MatchSource says where a matching rule came from
type MatchSource string

const (
	MatchPolicy        MatchSource = "policy"
	MatchResourceGrant MatchSource = "resource_grant"
)

// RequestContext carries request attributes used by conditions and org scoping
type RequestContext struct {
	OrganizationID *uuid.UUID        `json:"organization_id,omitempty"`
	ClientIP       string            `json:"client_ip,omitempty" validate:"omitempty,ip"`
	Attributes     map[string]string `json:"attributes,omitempty"`

	// Now is the evaluation instant; zero means the engine clock
	Now time.Time `json:"now,omitempty"`
}

// Request asks whether a principal may perform an action on a resource
type Request struct {
	Principal    Principal      `json:"principal"`
	Action       string         `json:"action" validate:"required"`
	ResourceType string         `json:"resource_type" validate:"required"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Context      RequestContext `json:"context"`
}

// Match is one rule that matched the request
type Match struct {
	RoleID     uuid.UUID   `json:"role_id"`
	RoleName   string      `json:"role_name"`
	Priority   int         `json:"priority"`
	PolicyID   *uuid.UUID  `json:"policy_id,omitempty"`
	PolicyName string      `json:"policy_name,omitempty"`
	Permission string      `json:"permission"`
	IsAllow    bool        `json:"is_allow"`
	Source     MatchSource `json:"source"`
}

// Decision is the answer to a Request
type Decision struct {
	Allowed       bool      `json:"allowed"`
	Effect        Effect    `json:"effect"`
	Reason        Reason    `json:"reason"`
	Message       string    `json:"message,omitempty"`
	MatchedBy     []Match   `json:"matched_by,omitempty"`
	ResourceGrant bool      `json:"resource_grant"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

func deny(reason Reason, message string) *Decision {
	return &Decision{Effect: EffectDeny, Reason: reason, Message: message}
}

// RoleResolver computes effective roles against a reader. CachedResolver
// implements it; the engine falls back to an uncached Resolver.
type RoleResolver interface {
	EffectiveRolesFor(ctx context.Context, r Reader, p Principal, now time.Time) (*EffectiveRoles, error)
}

type directResolver struct{}

func (directResolver) EffectiveRolesFor(ctx context.Context, r Reader, p Principal, now time.Time) (*EffectiveRoles, error) {
	return NewResolver(r).EffectiveRolesFor(ctx, p, now)
}

// Engine makes authorization decisions. It is safe for concurrent use.
type Engine struct {
	store     Reader
	resolver  RoleResolver
	logger    *observability.Logger
	recorder  observability.DecisionRecorder
	audit     audit.Logger
	auditAll  bool
	now       func() time.Time
	batchSize int
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithRoleResolver replaces the uncached role resolver, typically with a CachedResolver
func WithRoleResolver(r RoleResolver) EngineOption {
	return func(e *Engine) { e.resolver = r }
}

// WithEngineLogger sets the logger used for condition and store errors
func WithEngineLogger(l *observability.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithDecisionRecorder sets where decision metrics go
func WithDecisionRecorder(r observability.DecisionRecorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithAuditLogger records decisions. Denials are always recorded; allows only
// when logAllows is set.
func WithAuditLogger(l audit.Logger, logAllows bool) EngineOption {
	return func(e *Engine) {
		e.audit = l
		e.auditAll = logAllows
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithBatchConcurrency bounds how many decisions BatchDecide runs at once
func WithBatchConcurrency(n int) EngineOption {
	return func(e *Engine) { e.batchSize = n }
}

// NewEngine creates an engine reading from store. If store implements
// Snapshotter each decision reads from a single snapshot.
func NewEngine(store Reader, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		resolver:  directResolver{},
		logger:    observability.NewLogger(observability.InfoLevel, io.Discard),
		recorder:  observability.Recorders(nil),
		audit:     audit.NoOpLogger{},
		now:       time.Now,
		batchSize: 16,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide evaluates the request. It never fails for business reasons: a
// missing principal is a Deny with a nil error. Structural failures (a role
// cycle, an unavailable store) return a Deny decision together with the
// error, and callers must treat them as Deny.
func (e *Engine) Decide(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	now := req.Context.Now
	if now.IsZero() {
		now = e.now()
	}

	ctx, span := engineTracer.Start(ctx, "Decide",
		trace.WithAttributes(
			attribute.String("principal", req.Principal.String()),
			attribute.String("action", req.Action),
			attribute.String("resource_type", req.ResourceType),
			attribute.String("resource_id", req.ResourceID),
		),
	)
	defer span.End()

	d, err := e.safeDecide(ctx, req, now)
	d.Allowed = d.Effect == EffectAllow
	d.EvaluatedAt = now

	span.SetAttributes(
		attribute.String("effect", string(d.Effect)),
		attribute.String("reason", string(d.Reason)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision failed")
		e.logger.WithError(err).
			WithField("principal", req.Principal.String()).
			Error("authorization decision failed closed")
	}

	e.recorder.RecordDecision(ctx, string(d.Effect), string(d.Reason), time.Since(start))
	e.auditDecision(ctx, req, d, err)
	return d, err
}

// safeDecide fails closed when evaluation panics
func (e *Engine) safeDecide(ctx context.Context, req Request, now time.Time) (d *Decision, err error) {
	defer func() {
		if d == nil {
			d = deny(ReasonError, "evaluation failed")
		}
	}()
	defer observability.RecoverError(e.logger, "decide", &err)
	return e.decide(ctx, req, now)
}

func (e *Engine) decide(ctx context.Context, req Request, now time.Time) (*Decision, error) {
	reader := e.store
	if s, ok := e.store.(Snapshotter); ok {
		snap, release, err := s.Snapshot(ctx)
		if err != nil {
			return deny(ReasonError, "store unavailable"), fmt.Errorf("failed to open snapshot: %w", err)
		}
		defer release()
		reader = snap
	}

	effective, err := e.resolver.EffectiveRolesFor(ctx, reader, req.Principal, now)
	if errors.Is(err, ErrPrincipalNotFound) {
		return deny(ReasonPrincipalNotFound, err.Error()), nil
	}
	if err != nil {
		return deny(ReasonError, "role resolution failed"), fmt.Errorf("failed to resolve roles: %w", err)
	}

	orgID := req.Context.OrganizationID
	roles := make(map[uuid.UUID]Role, len(effective.Roles))
	for id, r := range effective.Roles {
		if r.VisibleIn(orgID) {
			roles[id] = r
		}
	}
	if len(roles) == 0 {
		return deny(ReasonDefaultDeny, "principal holds no roles in scope"), nil
	}
	roleIDs := make([]uuid.UUID, 0, len(roles))
	for id := range roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Slice(roleIDs, func(i, j int) bool { return roleIDs[i].String() < roleIDs[j].String() })

	var matches []Match
	resourceGrant := false

	if req.ResourceID != "" {
		grants, err := reader.ListRoleResources(ctx, roleIDs, req.ResourceType, req.ResourceID)
		if err != nil {
			return deny(ReasonError, "store unavailable"), fmt.Errorf("failed to list resource grants: %w", err)
		}
		for _, g := range grants {
			role, ok := roles[g.RoleID]
			if !ok || !g.Allows(req.Action) {
				continue
			}
			resourceGrant = true
			matches = append(matches, Match{
				RoleID:     role.ID,
				RoleName:   role.Name,
				Priority:   role.Priority,
				Permission: req.ResourceType + ":" + req.Action + "@" + g.ResourceID,
				IsAllow:    true,
				Source:     MatchResourceGrant,
			})
		}
	}

	bound, err := reader.ListBoundPolicies(ctx, roleIDs)
	if err != nil {
		return deny(ReasonError, "store unavailable"), fmt.Errorf("failed to list policies: %w", err)
	}
	contributing := make(map[uuid.UUID]RbacPolicy)
	for _, bp := range bound {
		role, ok := roles[bp.RoleID]
		if !ok || !bp.Policy.Binding() || !orgMatches(bp.Policy.OrganizationID, orgID) {
			continue
		}
		for _, perm := range bp.Policy.Permissions {
			if !perm.Matches(req.ResourceType, req.ResourceID, req.Action) {
				continue
			}
			policyID := bp.Policy.ID
			matches = append(matches, Match{
				RoleID:     role.ID,
				RoleName:   role.Name,
				Priority:   role.Priority,
				PolicyID:   &policyID,
				PolicyName: bp.Policy.Name,
				Permission: perm.String(),
				IsAllow:    perm.IsAllow,
				Source:     MatchPolicy,
			})
			contributing[policyID] = bp.Policy
		}
	}

	// Conditions gate their own policy's entries before the tie-break. A deny
	// whose condition does not hold is dropped; one whose condition cannot be
	// evaluated stays. An allow from a policy whose condition fails or errors
	// turns a would-be allow into a condition deny.
	ec := EvalContext{Now: now, ClientIP: req.Context.ClientIP, Attributes: req.Context.Attributes}
	outcomes := make(map[uuid.UUID]conditionOutcome, len(contributing))
	for _, id := range sortedPolicyIDs(contributing) {
		p := contributing[id]
		ok, err := p.Conditions.Evaluate(ec)
		if err != nil {
			e.recorder.RecordConditionError(ctx, conditionErrorKind(err))
			e.logger.WithError(err).
				WithFields(map[string]interface{}{
					"policy_id":   p.ID.String(),
					"policy_name": p.Name,
					"principal":   req.Principal.String(),
				}).
				Warn("policy condition could not be evaluated")
		}
		outcomes[id] = conditionOutcome{holds: ok && err == nil, failed: err != nil}
	}

	kept := make([]Match, 0, len(matches))
	var failedAllow *Match
	for _, m := range matches {
		if m.PolicyID != nil {
			out := outcomes[*m.PolicyID]
			if !out.holds {
				if m.IsAllow {
					if failedAllow == nil {
						failedAllow = &m
					}
					continue
				}
				if !out.failed {
					continue
				}
			}
		}
		kept = append(kept, m)
	}

	d := resolveMatches(kept)
	d.ResourceGrant = resourceGrant
	if failedAllow != nil && d.Reason != ReasonExplicitDeny {
		d.Effect = EffectDeny
		d.Reason = ReasonConditionFailed
		d.Message = fmt.Sprintf("condition of policy %q not satisfied", failedAllow.PolicyName)
	}
	return d, nil
}

type conditionOutcome struct {
	holds  bool
	failed bool
}

// resolveMatches applies priority conflict resolution: a deny wins when its
// priority is at least the highest allow priority.
func resolveMatches(matches []Match) *Decision {
	var hasAllow, hasDeny bool
	maxAllow, maxDeny := 0, 0
	for _, m := range matches {
		if m.IsAllow {
			if !hasAllow || m.Priority > maxAllow {
				maxAllow = m.Priority
			}
			hasAllow = true
		} else {
			if !hasDeny || m.Priority > maxDeny {
				maxDeny = m.Priority
			}
			hasDeny = true
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Priority > matches[j].Priority })

	switch {
	case hasDeny && (!hasAllow || maxDeny >= maxAllow):
		d := deny(ReasonExplicitDeny, fmt.Sprintf("denied at priority %d", maxDeny))
		d.MatchedBy = matches
		return d
	case hasAllow:
		return &Decision{
			Effect:    EffectAllow,
			Reason:    ReasonAllow,
			Message:   fmt.Sprintf("allowed at priority %d", maxAllow),
			MatchedBy: matches,
		}
	default:
		return deny(ReasonDefaultDeny, "no rule matched")
	}
}

func sortedPolicyIDs(m map[uuid.UUID]RbacPolicy) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func conditionErrorKind(err error) string {
	var ce *ConditionError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case ConditionTimeWindow, ConditionIPRange, ConditionAttributeEquals:
			return string(ce.Kind)
		}
	}
	return "unknown"
}

// BatchDecide evaluates requests concurrently. Results are in request order.
// The first structural error cancels the remaining decisions, which then
// come back as Deny.
func (e *Engine) BatchDecide(ctx context.Context, reqs []Request) ([]*Decision, error) {
	decisions := make([]*Decision, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchSize)

	for i := range reqs {
		i := i
		g.Go(func() error {
			d, err := e.Decide(gctx, reqs[i])
			decisions[i] = d
			return err
		})
	}
	return decisions, g.Wait()
}

func (e *Engine) auditDecision(ctx context.Context, req Request, d *Decision, decideErr error) {
	if d.Allowed && !e.auditAll {
		return
	}
	status := audit.EventStatusSuccess
	if !d.Allowed {
		status = audit.EventStatusDenied
	}
	event := audit.NewEvent(ctx, audit.EventTypeAuthzDecision, status)
	event.Principal = req.Principal.String()
	event.ResourceType = req.ResourceType
	event.ResourceID = req.ResourceID
	event.Action = req.Action
	event.IPAddress = req.Context.ClientIP
	event.Message = d.Message
	if req.Context.OrganizationID != nil && event.OrganizationID == nil {
		event.OrganizationID = req.Context.OrganizationID
	}
	event.Metadata["reason"] = string(d.Reason)
	event.Metadata["resource_grant"] = d.ResourceGrant
	if decideErr != nil {
		event.ErrorMessage = decideErr.Error()
	}
	if err := e.audit.Log(ctx, event); err != nil {
		e.logger.WithError(err).Warn("failed to record authorization decision")
	}
}
