package batch

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/giantswarm/sso-core/storage"
)

// celCostLimit bounds the evaluation cost of one predicate call
const celCostLimit = 10000

// target is one per-user unit: the user and the sessions the job ends.
type target struct {
	UserID     string
	SessionIDs []string
}

// scope is the resolved selection of a job.
type scope struct {
	targets              []target
	excludeServiceTokens bool
}

// Predicate is a compiled conditional-job expression over session metadata.
type Predicate struct {
	program cel.Program
}

// predicateEnv declares the single `session` variable. Its fields are
// user_id, client_id, scopes, admin, ip_address, user_agent, created_at and
// last_used_at.
func predicateEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("session", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// CompilePredicate parses and type-checks a conditional-job expression. The
// expression must evaluate to a bool.
func CompilePredicate(expression string) (*Predicate, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression is required")
	}
	env, err := predicateEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid expression: %w", iss.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", out)
	}
	prg, err := env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to build program: %w", err)
	}
	return &Predicate{program: prg}, nil
}

// Match evaluates the predicate against one session.
func (p *Predicate) Match(ctx context.Context, sess *storage.Session) (bool, error) {
	out, _, err := p.program.ContextEval(ctx, map[string]any{
		"session": sessionAttributes(sess),
	})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %s, want bool", out.Type())
	}
	return matched, nil
}

func sessionAttributes(sess *storage.Session) map[string]any {
	scopes := sess.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return map[string]any{
		"user_id":      sess.UserID,
		"client_id":    sess.ClientID,
		"scopes":       scopes,
		"admin":        sess.Admin,
		"ip_address":   sess.IPAddress,
		"user_agent":   sess.UserAgent,
		"created_at":   sess.CreatedAt,
		"last_used_at": sess.LastUsedAt,
	}
}

// resolve selects the sessions a job ends, grouped per user and ordered by
// user ID.
func (e *Engine) resolve(ctx context.Context, job *storage.BatchJob) (*scope, error) {
	cond := job.Conditions
	var (
		filter  storage.SessionFilter
		keep    func(*storage.Session) (bool, error)
		service bool
	)

	switch job.Type {
	case storage.JobTypeGroup:
		if e.groups == nil {
			return nil, fmt.Errorf("no group resolver configured")
		}
		members, err := e.groups.GroupMembers(ctx, cond.Group)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve group %q: %w", cond.Group, err)
		}
		if len(members) == 0 {
			return &scope{}, nil
		}
		filter.UserIDs = members

	case storage.JobTypeClient:
		filter.ClientID = cond.ClientID

	case storage.JobTypeTimeWindow:
		filter.CreatedBefore = cond.IssuedBefore
		filter.CreatedAfter = cond.IssuedAfter

	case storage.JobTypeConditional:
		pred, err := CompilePredicate(cond.Expression)
		if err != nil {
			return nil, err
		}
		keep = func(s *storage.Session) (bool, error) { return pred.Match(ctx, s) }

	case storage.JobTypeEmergency:
		excludeAdmin := e.config.ExcludeAdminSessions
		if cond.ExcludeAdminSessions != nil {
			excludeAdmin = *cond.ExcludeAdminSessions
		}
		service = e.config.PreserveServiceTokens
		if cond.PreserveServiceTokens != nil {
			service = *cond.PreserveServiceTokens
		}
		serviceClients, err := e.serviceClients(ctx, service)
		if err != nil {
			return nil, err
		}
		keep = func(s *storage.Session) (bool, error) {
			if excludeAdmin && s.Admin {
				return false, nil
			}
			return !serviceClients[s.ClientID], nil
		}

	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}

	sessions, err := e.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	byUser := make(map[string][]string)
	for _, sess := range sessions {
		if keep != nil {
			ok, err := keep(sess)
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate session %s: %w", sess.ID, err)
			}
			if !ok {
				continue
			}
		}
		byUser[sess.UserID] = append(byUser[sess.UserID], sess.ID)
	}

	targets := make([]target, 0, len(byUser))
	for userID, ids := range byUser {
		slices.Sort(ids)
		targets = append(targets, target{UserID: userID, SessionIDs: ids})
	}
	slices.SortFunc(targets, func(a, b target) int {
		return strings.Compare(a.UserID, b.UserID)
	})

	return &scope{
		targets:              targets,
		excludeServiceTokens: service,
	}, nil
}

// serviceClients returns the IDs of service-to-service clients when
// preserve is set.
func (e *Engine) serviceClients(ctx context.Context, preserve bool) (map[string]bool, error) {
	out := make(map[string]bool)
	if !preserve {
		return out, nil
	}
	clients, err := e.store.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	for _, c := range clients {
		if c.Service {
			out[c.ClientID] = true
		}
	}
	return out, nil
}
