// Package definition holds the survey process as data: a pure decision tree
// that turns a project's checkpoints and its process start into an ordered
// list of typed steps. The engine interprets the steps; nothing in here has
// side effects.
package definition

import (
	"fmt"
	"time"

	"surveyline/internal/checkpoint"
)

// Survey identifies the response pool a check or finish step counts.
type Survey string

const (
	SurveyT1    Survey = "T1"
	SurveyRetro Survey = "RETRO"
	SurveyPost  Survey = "POST"
)

// MailKind is the message template family sent by a notify step.
type MailKind string

const (
	Infomail  MailKind = "INFOMAIL"
	Reminder1 MailKind = "REMINDER_1"
	Reminder2 MailKind = "REMINDER_2"
)

type ActionKind string

const (
	ActionNotify ActionKind = "notify"
	ActionFinish ActionKind = "finish"
)

// Action is what a non-conditional step does when it runs.
// Notify sends Mail for Variant; Finish alerts when Survey has no
// responses and then ends the process.
type Action struct {
	Kind    ActionKind
	Mail    MailKind
	Variant string
	Survey  Survey
}

func (a Action) String() string {
	switch a.Kind {
	case ActionNotify:
		return fmt.Sprintf("notify %s/%s", a.Mail, a.Variant)
	case ActionFinish:
		return fmt.Sprintf("finish (alert if no %s responses)", a.Survey)
	default:
		return string(a.Kind)
	}
}

// Step is one of Immediate, Scheduled or Conditional.
type Step interface {
	StepName() string
	isStep()
}

// Immediate runs as soon as it is evaluated.
type Immediate struct {
	Name   string
	Action Action
}

// Scheduled runs at At, or immediately when At has passed.
type Scheduled struct {
	Name   string
	At     time.Time
	Action Action
}

// Conditional counts Survey responses at At, records whether any exist
// and continues with OnTrue or OnFalse.
type Conditional struct {
	Name    string
	At      time.Time
	Survey  Survey
	OnTrue  []Step
	OnFalse []Step
}

func (s Immediate) StepName() string   { return s.Name }
func (s Scheduled) StepName() string   { return s.Name }
func (s Conditional) StepName() string { return s.Name }

func (Immediate) isStep()   {}
func (Scheduled) isStep()   {}
func (Conditional) isStep() {}

// Duration bucket thresholds in days.
const (
	ShortDays = 14
	LongDays  = 49
)

// Plan evaluates the decision tree for a project running from start to end
// whose process was admitted at processStart. The result depends only on
// its arguments.
func Plan(c checkpoint.Calculator, start, end, processStart time.Time) []Step {
	cp := c.Checkpoints(start, end)
	d := cp.DurationInDays
	switch {
	case d < ShortDays:
		return retro(c, cp, processStart)
	case d == ShortDays:
		if processStart.Before(cp.OneWeekBeforeStart) {
			return t1Short(cp)
		}
		return retro(c, cp, processStart)
	case d < LongDays:
		if processStart.Before(cp.OneWeekBeforeStart) {
			return t1Medium(cp)
		}
		return retro(c, cp, processStart)
	default:
		if processStart.Before(cp.OneWeekAfterStart) {
			return t1Long(cp)
		}
		return retro(c, cp, processStart)
	}
}

const (
	variantRetro   = "RETRO"
	variantT1      = "T1"
	variantPost    = "POST"
	variantPostT1  = "POST_T1"
	variantT1Retro = "T1_RETRO"
)

// retro is the track for processes admitted too late for a T1 survey.
// When even the end-of-project mails are overdue the sequence restarts
// relative to the process start.
func retro(c checkpoint.Calculator, cp checkpoint.Checkpoints, processStart time.Time) []Step {
	if processStart.Before(cp.OneWeekAfterEnd) {
		return []Step{
			at(cp.OneWeekBeforeEnd, notify(Infomail, variantRetro)),
			at(cp.End, notify(Reminder1, variantRetro)),
			at(cp.OneWeekAfterEnd, notify(Reminder2, variantRetro)),
			at(cp.TwoWeeksAfterEnd, finish(variantRetro, SurveyRetro)),
		}
	}
	return []Step{
		now(notify(Infomail, variantRetro)),
		at(c.AddDays(processStart, 7), notify(Reminder1, variantRetro)),
		at(c.AddDays(processStart, 14), notify(Reminder2, variantRetro)),
		at(c.AddDays(processStart, 21), finish(variantRetro, SurveyRetro)),
	}
}

// t1Short covers exactly two-week projects: one T1 reminder, a check after
// the first week and a short post track without a second reminder.
func t1Short(cp checkpoint.Checkpoints) []Step {
	return []Step{
		at(cp.OneWeekBeforeStart, notify(Infomail, variantT1)),
		at(cp.Start, notify(Reminder1, variantT1)),
		check(cp.OneWeekAfterStart, SurveyT1, postT1(cp), t1Retro(cp)),
	}
}

func t1Medium(cp checkpoint.Checkpoints) []Step {
	return []Step{
		at(cp.OneWeekBeforeStart, notify(Infomail, variantT1)),
		at(cp.Start, notify(Reminder1, variantT1)),
		at(cp.OneWeekAfterStart, notify(Reminder2, variantT1)),
		check(cp.TwoWeeksAfterStart, SurveyT1, post(cp), t1Retro(cp)),
	}
}

func t1Long(cp checkpoint.Checkpoints) []Step {
	return []Step{
		at(cp.OneWeekBeforeStart, notify(Infomail, variantT1)),
		at(cp.OneWeekAfterStart, notify(Reminder1, variantT1)),
		check(cp.TwoWeeksAfterStart, SurveyT1, post(cp), t1Retro(cp)),
	}
}

func postT1(cp checkpoint.Checkpoints) []Step {
	return []Step{
		at(cp.OneWeekBeforeEnd, notify(Infomail, variantPostT1)),
		at(cp.End, notify(Reminder1, variantPostT1)),
		at(cp.TwoWeeksAfterEnd, finish(variantPostT1, SurveyPost)),
	}
}

func post(cp checkpoint.Checkpoints) []Step {
	return []Step{
		at(cp.OneWeekBeforeEnd, notify(Infomail, variantPost)),
		at(cp.End, notify(Reminder1, variantPost)),
		at(cp.OneWeekAfterEnd, notify(Reminder2, variantPost)),
		at(cp.TwoWeeksAfterEnd, finish(variantPost, SurveyPost)),
	}
}

// t1Retro runs when nobody answered the T1 survey.
func t1Retro(cp checkpoint.Checkpoints) []Step {
	return []Step{
		at(cp.OneWeekBeforeEnd, notify(Infomail, variantT1Retro)),
		at(cp.End, notify(Reminder1, variantT1Retro)),
		at(cp.OneWeekAfterEnd, notify(Reminder2, variantT1Retro)),
		at(cp.TwoWeeksAfterEnd, finish(variantT1Retro, SurveyRetro)),
	}
}

func notify(mail MailKind, variant string) Action {
	return Action{Kind: ActionNotify, Mail: mail, Variant: variant}
}

func finish(variant string, survey Survey) Action {
	return Action{Kind: ActionFinish, Variant: variant, Survey: survey}
}

// ActionName is the ledger name of a step running a.
func ActionName(a Action) string {
	if a.Kind == ActionFinish {
		return "FINISH_" + a.Variant
	}
	return string(a.Mail) + "_" + a.Variant
}

func now(a Action) Step {
	return Immediate{Name: ActionName(a), Action: a}
}

func at(t time.Time, a Action) Step {
	return Scheduled{Name: ActionName(a), At: t, Action: a}
}

func check(t time.Time, survey Survey, onTrue, onFalse []Step) Step {
	return Conditional{Name: "CHECK_" + string(survey), At: t, Survey: survey, OnTrue: onTrue, OnFalse: onFalse}
}

// Names lists every step name in steps, both branches of every
// conditional included, in declaration order.
func Names(steps []Step) []string {
	var out []string
	Walk(steps, func(s Step) { out = append(out, s.StepName()) })
	return out
}

// Walk calls fn for each step depth first, true branch before false.
func Walk(steps []Step, fn func(Step)) {
	for _, s := range steps {
		fn(s)
		if c, ok := s.(Conditional); ok {
			Walk(c.OnTrue, fn)
			Walk(c.OnFalse, fn)
		}
	}
}

// Duplicates returns names that occur more than once in steps.
func Duplicates(steps []Step) []string {
	seen := map[string]int{}
	var dups []string
	for _, n := range Names(steps) {
		seen[n]++
		if seen[n] == 2 {
			dups = append(dups, n)
		}
	}
	return dups
}
