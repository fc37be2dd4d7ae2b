// Package repair executes operator-gated destructive maintenance actions.
// Every action is two-phase: issue an action-bound confirmation token, then
// execute with that token. Tokens are a capability check, not cryptographic
// authentication.
package repair

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carestore/internal/audit"
	"github.com/carebridge/carestore/internal/clock"
	"github.com/carebridge/carestore/internal/enc"
	"github.com/carebridge/carestore/internal/kv"
	"github.com/carebridge/carestore/internal/metrics"
	"github.com/carebridge/carestore/internal/queue"
)

// Action names the destructive maintenance operations.
type Action string

const (
	ActionRebuildPendingIndex Action = "rebuildPendingIndex"
	ActionReleaseStaleLocks   Action = "releaseStaleLocks"
	ActionPurgePoisonOps      Action = "purgePoisonOps"
	ActionPurgeExpiredFailed  Action = "purgeExpiredFailed"
	ActionCompactStore        Action = "compactStore"
	ActionVerifyEncryption    Action = "verifyEncryption"
)

// Severity grades an action's blast radius.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
)

// Info describes one action for operator display.
type Info struct {
	Action            Action
	Description       string
	Severity          Severity
	RequiresQueueStop bool
}

var catalog = map[Action]Info{
	ActionRebuildPendingIndex: {
		Action:            ActionRebuildPendingIndex,
		Description:       "Rebuild the pending-operation ordering index from the primary store",
		Severity:          SeverityLow,
		RequiresQueueStop: true,
	},
	ActionReleaseStaleLocks: {
		Action:      ActionReleaseStaleLocks,
		Description: "Release the processing lock if its lease has gone stale",
		Severity:    SeverityModerate,
	},
	ActionPurgePoisonOps: {
		Action:            ActionPurgePoisonOps,
		Description:       "Delete failed operations past the poison ceiling (archived first)",
		Severity:          SeverityHigh,
		RequiresQueueStop: true,
	},
	ActionPurgeExpiredFailed: {
		Action:      ActionPurgeExpiredFailed,
		Description: "Delete failed operations past the retention window (archived first)",
		Severity:    SeverityModerate,
	},
	ActionCompactStore: {
		Action:            ActionCompactStore,
		Description:       "Checkpoint the WAL and vacuum the database file",
		Severity:          SeverityModerate,
		RequiresQueueStop: true,
	},
	ActionVerifyEncryption: {
		Action:      ActionVerifyEncryption,
		Description: "Compare declared encryption policies against registered state",
		Severity:    SeverityLow,
	},
}

// Token and execution failures.
var (
	ErrUnknownAction   = errors.New("repair: unknown action")
	ErrInvalidToken    = errors.New("repair: confirmation token invalid for this action")
	ErrTokenExpired    = errors.New("repair: confirmation token expired")
	ErrQueueNotStopped = errors.New("repair: action requires the queue to be stopped")
)

// Result reports an executed action.
type Result struct {
	Action        Action
	Success       bool
	AffectedCount int
	Message       string
	Error         string
	Duration      time.Duration
}

// ExecuteOptions carries operator assertions about runtime state.
type ExecuteOptions struct {
	// QueueStopped asserts the queue consumer is stopped; actions flagged
	// RequiresQueueStop refuse to run without it.
	QueueStopped bool
}

const tokenTTL = 5 * time.Minute

type issuedToken struct {
	action   Action
	issuedAt time.Time
}

// Service issues tokens and dispatches actions.
type Service struct {
	store    *kv.Store
	lock     *queue.ProcessingLock
	idx      *queue.OrderIndex
	failed   *queue.FailedOps
	enforcer *enc.Enforcer
	audit    *audit.Service
	clock    clock.Clock
	log      zerolog.Logger
	metrics  *metrics.Set

	mu     sync.Mutex
	tokens map[string]issuedToken
}

// New wires the repair service.
func New(store *kv.Store, lk *queue.ProcessingLock, idx *queue.OrderIndex, failed *queue.FailedOps,
	enforcer *enc.Enforcer, aud *audit.Service, clk clock.Clock, log zerolog.Logger, m *metrics.Set) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		store:    store,
		lock:     lk,
		idx:      idx,
		failed:   failed,
		enforcer: enforcer,
		audit:    aud,
		clock:    clk,
		log:      log,
		metrics:  m,
		tokens:   make(map[string]issuedToken),
	}
}

// Actions lists the catalog sorted by name.
func Actions() []Info {
	out := make([]Info, 0, len(catalog))
	for _, info := range catalog {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// Describe returns one action's catalog entry.
func Describe(action Action) (Info, bool) {
	info, ok := catalog[action]
	return info, ok
}

// GenerateConfirmationToken issues a single-use token bound to one action.
func (s *Service) GenerateConfirmationToken(action Action) (string, error) {
	if _, ok := catalog[action]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	token := fmt.Sprintf("%s:%s", action, uuid.NewString())
	s.mu.Lock()
	s.tokens[token] = issuedToken{action: action, issuedAt: s.clock.Now()}
	s.mu.Unlock()
	return token, nil
}

func (s *Service) consumeToken(action Action, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issued, ok := s.tokens[token]
	if !ok || issued.action != action {
		return fmt.Errorf("%w: %s", ErrInvalidToken, action)
	}
	delete(s.tokens, token)
	if s.clock.Now().Sub(issued.issuedAt) > tokenTTL {
		return ErrTokenExpired
	}
	return nil
}

// Execute validates the token and runs the action, reporting what changed.
func (s *Service) Execute(ctx context.Context, action Action, token string, opts ExecuteOptions) (Result, error) {
	res := Result{Action: action}
	info, ok := catalog[action]
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	if err := s.consumeToken(action, token); err != nil {
		return res, err
	}
	if info.RequiresQueueStop && !opts.QueueStopped {
		return res, ErrQueueNotStopped
	}

	start := s.clock.Now()
	affected, message, err := s.dispatch(ctx, action)
	res.Duration = s.clock.Now().Sub(start)
	res.AffectedCount = affected
	res.Message = message
	outcome := "success"
	if err != nil {
		res.Error = err.Error()
		outcome = "failure"
	} else {
		res.Success = true
	}
	s.metrics.RepairRuns.WithLabelValues(string(action), outcome).Inc()

	if s.audit != nil {
		_ = s.audit.Append(ctx, "repair."+string(action), "operator", map[string]any{
			"success":  res.Success,
			"affected": res.AffectedCount,
			"message":  res.Message,
			"error":    res.Error,
		})
	}
	s.log.Info().Str("action", string(action)).Bool("success", res.Success).
		Int("affected", res.AffectedCount).Dur("duration", res.Duration).Msg("repair action executed")
	return res, err
}

func (s *Service) dispatch(ctx context.Context, action Action) (int, string, error) {
	switch action {
	case ActionRebuildPendingIndex:
		n, err := s.idx.Rebuild(ctx)
		return n, "pending index rebuilt", err
	case ActionReleaseStaleLocks:
		released, err := s.lock.ReleaseStale(ctx)
		if released {
			return 1, "stale lock released", err
		}
		return 0, "no stale lock held", err
	case ActionPurgePoisonOps:
		n, err := s.failed.PurgePoison(ctx)
		return n, "poison operations purged", err
	case ActionPurgeExpiredFailed:
		n, err := s.failed.PurgeExpired(ctx)
		return n, "expired failed operations purged", err
	case ActionCompactStore:
		err := s.store.Compact(ctx)
		return 0, "store compacted", err
	case ActionVerifyEncryption:
		summary := s.enforcer.Check()
		if !summary.IsHealthy {
			return summary.ViolationCount, "encryption policy violations found", nil
		}
		return 0, "encryption policies compliant", nil
	default:
		return 0, "", fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}
