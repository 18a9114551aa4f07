package collab

import (
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
)

// Resolver turns a conflict plus a policy into a resolution.
type Resolver interface {
	Resolve(conflict *Conflict, policy ResolutionPolicy) (*Resolution, error)
}

// PolicyResolver settles conflicts mechanically. Policies that cannot
// be automated (merge, manual) come back flagged RequiresManual rather
// than guessed at.
type PolicyResolver struct {
	logger *log.Logger
}

// NewPolicyResolver creates the mechanical resolver.
func NewPolicyResolver() *PolicyResolver {
	return &PolicyResolver{logger: log.With("component", "resolver")}
}

func (r *PolicyResolver) Resolve(conflict *Conflict, policy ResolutionPolicy) (*Resolution, error) {
	if len(conflict.Users) == 0 {
		return nil, fmt.Errorf("conflict %s has no contenders", conflict.ID)
	}

	res := &Resolution{ConflictID: conflict.ID, Policy: policy, ResolvedAt: time.Now()}

	switch policy {
	case PolicyAuto:
		return r.resolveAuto(conflict)

	case PolicyLastWriteWins:
		res.Winner = pickByTimestamp(conflict.Users, true).Username

	case PolicyFirstWriteWins:
		res.Winner = pickByTimestamp(conflict.Users, false).Username

	case PolicyRenameBoth:
		res.Risk = "low"
		for _, u := range conflict.Users {
			res.RenamedPaths = append(res.RenamedPaths, fmt.Sprintf("%s.%s", conflict.Path, u.Username))
		}

	case PolicyMerge:
		// A three-way merge needs a human or a merge tool; all this
		// resolver can do is hand it off.
		res.RequiresManual = true
		res.Risk = "high"

	case PolicyManual:
		res.RequiresManual = true

	default:
		return nil, fmt.Errorf("unknown resolution policy %q", policy)
	}

	return res, nil
}

// resolveAuto picks the least destructive strategy available for the
// conflict type.
func (r *PolicyResolver) resolveAuto(conflict *Conflict) (*Resolution, error) {
	switch conflict.Type {
	case FileConflict:
		return r.Resolve(conflict, PolicyLastWriteWins)
	case OperationConflict:
		winner := leastDestructive(conflict.Users)
		r.logger.Debugf("Auto-resolving %s in favor of %s (%s)", conflict.Path, winner.Username, winner.Operation)
		return &Resolution{
			ConflictID: conflict.ID,
			Policy:     PolicyAuto,
			Winner:     winner.Username,
			ResolvedAt: time.Now(),
		}, nil
	default:
		return r.Resolve(conflict, PolicyManual)
	}
}

// pickByTimestamp selects the newest (latest=true) or oldest contender.
func pickByTimestamp(users []ConflictUser, latest bool) ConflictUser {
	chosen := users[0]
	for _, u := range users[1:] {
		if latest && u.Timestamp.After(chosen.Timestamp) {
			chosen = u
		}
		if !latest && u.Timestamp.Before(chosen.Timestamp) {
			chosen = u
		}
	}
	return chosen
}

// leastDestructive ranks contenders by how much content their
// operation removes (deletes lose to inserts), breaking ties toward
// the newest edit.
func leastDestructive(users []ConflictUser) ConflictUser {
	rank := func(op string) int {
		switch op {
		case "delete", "rename":
			return 2
		default:
			return 1
		}
	}
	chosen := users[0]
	for _, u := range users[1:] {
		if rank(u.Operation) < rank(chosen.Operation) ||
			(rank(u.Operation) == rank(chosen.Operation) && u.Timestamp.After(chosen.Timestamp)) {
			chosen = u
		}
	}
	return chosen
}

// InteractiveResolver prompts the operator to pick an outcome when a
// conflict needs human judgment, falling back to the mechanical
// resolver for everything else.
type InteractiveResolver struct {
	fallback *PolicyResolver
}

// NewInteractiveResolver creates the prompting resolver.
func NewInteractiveResolver() *InteractiveResolver {
	return &InteractiveResolver{fallback: NewPolicyResolver()}
}

func (r *InteractiveResolver) Resolve(conflict *Conflict, policy ResolutionPolicy) (*Resolution, error) {
	if policy != PolicyManual && policy != PolicyMerge {
		return r.fallback.Resolve(conflict, policy)
	}

	options := make([]huh.Option[string], 0, len(conflict.Users)+1)
	for _, u := range conflict.Users {
		label := fmt.Sprintf("Keep %s's version (%s at %s)", u.Username, u.Operation, u.Timestamp.Format(time.Kitchen))
		options = append(options, huh.NewOption(label, u.Username))
	}
	options = append(options, huh.NewOption("Keep every version under separate names", "__rename__"))

	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("How should the conflict on %s be resolved?", conflict.Path)).
				Description(fmt.Sprintf("%d users edited this file concurrently (severity: %s)", len(conflict.Users), conflict.Severity)).
				Options(options...).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("failed to get user input for conflict resolution: %w", err)
	}

	if choice == "__rename__" {
		return r.fallback.Resolve(conflict, PolicyRenameBoth)
	}

	return &Resolution{
		ConflictID: conflict.ID,
		Policy:     PolicyManual,
		Winner:     choice,
		ResolvedAt: time.Now(),
	}, nil
}
