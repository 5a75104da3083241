package core

import "github.com/sirupsen/logrus"

// Agent is the single capability every handler reduces to: given an event,
// produce an outcome, optionally performing follow-up mutations through its
// own contexts and transactions.
type Agent interface {
	Name() string
	OnEvent(ev Event) Outcome
}

// AgentFunc adapts a closure to the Agent capability.
type AgentFunc struct {
	AgentName string
	Fn        func(ev Event) Outcome
}

func (a AgentFunc) Name() string { return a.AgentName }

func (a AgentFunc) OnEvent(ev Event) Outcome { return a.Fn(ev) }

// RegisterAgent subscribes ag to events of the given kind on subject. The
// dispatcher records the returned outcome against the action element.
func RegisterAgent(e *Engine, subject Address, kind EventKind, ag Agent) (*Subscription, error) {
	return e.dispatcher.subscribe(kind, subject, func(ev Event) Outcome {
		out := ag.OnEvent(ev)
		switch out {
		case OutcomeOK:
			logrus.Infof("%s finished successfully", ag.Name())
		case OutcomeNo:
			logrus.Infof("%s finished unsuccessfully", ag.Name())
		default:
			logrus.Warnf("%s finished with error", ag.Name())
		}
		return out
	}, true)
}
