package closing

import "time"

// Clone returns a deep copy of the procedure and its steps.
func (p *Procedure) Clone() *Procedure {
	if p == nil {
		return nil
	}
	out := *p
	out.StartedAt = cloneTime(p.StartedAt)
	out.FinishedAt = cloneTime(p.FinishedAt)
	out.DecidedAt = cloneTime(p.DecidedAt)
	out.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	return &out
}

// Clone returns a deep copy of the step, its controls and generators.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	out := *s
	out.StartedAt = cloneTime(s.StartedAt)
	out.FinishedAt = cloneTime(s.FinishedAt)
	out.Prerequisites = append([]string(nil), s.Prerequisites...)
	out.Controls = make([]*Control, len(s.Controls))
	for i, c := range s.Controls {
		cc := *c
		cc.ExecutedAt = cloneTime(c.ExecutedAt)
		cc.Anomalies = make([]Anomaly, len(c.Anomalies))
		for j, a := range c.Anomalies {
			a.ResolvedAt = cloneTime(a.ResolvedAt)
			cc.Anomalies[j] = a
		}
		out.Controls[i] = &cc
	}
	out.Generators = make([]*Generator, len(s.Generators))
	for i, g := range s.Generators {
		gg := *g
		gg.PostedAt = cloneTime(g.PostedAt)
		out.Generators[i] = &gg
	}
	return &out
}

// StepByID returns the step with the given ID.
func (p *Procedure) StepByID(id string) (*Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// UnresolvedBlockingAnomalies counts BLOCKING anomalies not yet resolved.
func (p *Procedure) UnresolvedBlockingAnomalies() int {
	n := 0
	for _, s := range p.Steps {
		for _, c := range s.Controls {
			for _, a := range c.Anomalies {
				if a.Severity == SeverityBlocking && !a.Resolved {
					n++
				}
			}
		}
	}
	return n
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
