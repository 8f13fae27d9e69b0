package automation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/marchog-core/internal/targeting"
)

// Validation constants.
const (
	maxIDLength   = 64
	maxNameLength = 100
	maxActions    = 100
	idPattern     = `^[a-z0-9]+(?:[-_][a-z0-9]+)*$`
)

var idRegex = regexp.MustCompile(idPattern)

// scheduleParser accepts five-field expressions, an optional leading
// seconds field and descriptors such as @daily or @every 5m.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression the way schedule triggers do.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %w", ErrInvalidTrigger, expr, err)
	}
	return sched, nil
}

// Validate performs comprehensive validation on an automation.
// Returns an error describing the first validation failure found.
func (a Automation) Validate() error {
	if a.ID == "" || len(a.ID) > maxIDLength || !idRegex.MatchString(a.ID) {
		return fmt.Errorf("%w: id %q must be lowercase letters, digits, '-' or '_'", ErrInvalidAutomation, a.ID)
	}
	if len(a.Name) > maxNameLength {
		return fmt.Errorf("%w: %s: name exceeds %d characters", ErrInvalidAutomation, a.ID, maxNameLength)
	}
	if err := a.Trigger.validate(); err != nil {
		return fmt.Errorf("%s: %w", a.ID, err)
	}
	if len(a.Actions) == 0 {
		return fmt.Errorf("%w: %s: no actions", ErrInvalidAction, a.ID)
	}
	if len(a.Actions) > maxActions {
		return fmt.Errorf("%w: %s: more than %d actions", ErrInvalidAction, a.ID, maxActions)
	}
	for i, act := range a.Actions {
		if err := act.validate(); err != nil {
			return fmt.Errorf("%s: action %d: %w", a.ID, i, err)
		}
	}
	return nil
}

func (t Trigger) validate() error {
	switch t.Kind {
	case TriggerSchedule:
		if _, err := ParseSchedule(t.Schedule); err != nil {
			return err
		}
	case TriggerEvent:
		if strings.TrimSpace(t.Topic) == "" {
			return fmt.Errorf("%w: event trigger without a topic", ErrInvalidTrigger)
		}
		for k := range t.Match {
			if k == "" {
				return fmt.Errorf("%w: empty match field", ErrInvalidTrigger)
			}
		}
	case TriggerManual:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, t.Kind)
	}
	return nil
}

func (a Action) validate() error {
	if a.Scene != "" {
		if a.Target.Kind() == targeting.Kind(0) && a.Assignment.Content == "" {
			return nil
		}
		return fmt.Errorf("%w: scene action also sets a target or assignment", ErrInvalidAction)
	}
	if err := a.Target.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAction, err)
	}
	if a.Assignment.Content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidAction)
	}
	return nil
}
