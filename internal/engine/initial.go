package engine

import (
	"context"

	"handoff/internal/domain"
	"handoff/internal/form"
)

// buildInitialValues materializes a step's starting values from template
// defaults plus the recognized field semantics. Runs without the controller
// lock held because the incoming-roster case does I/O; the caller applies
// the result under the idempotence rule.
func (c *Controller) buildInitialValues(ctx context.Context, a domain.Assignment, sec domain.Section) form.StepValues {
	out := form.StepValues{}
	titles := form.GroupTitles(sec)
	for _, f := range form.Fields(sec) {
		v := form.Value{}
		switch domain.Classify(f, titles[f.Name]) {
		case domain.SemanticSignature:
			// The incoming party signs for themselves; pre-fill only
			// outgoing signature fields.
			if !domain.IsIncomingGroup(titles[f.Name]) {
				switch {
				case c.signatureCache != "":
					v[form.ValueKey] = c.signatureCache
				case c.user.SignatureURL != "":
					v[form.ValueKey] = c.user.SignatureURL
				default:
					v[form.ValueKey] = f.Value
				}
			}
		case domain.SemanticDate:
			if form.IsEmpty(f.Value) {
				v[form.ValueKey] = c.Now().Format("1/2/2006")
			} else {
				v[form.ValueKey] = f.Value
			}
		case domain.SemanticIncomingController:
			v[form.ValueKey] = f.Value
			roster, err := c.svc.Roster.IncomingRoster(ctx, a.FacilityID)
			if err != nil {
				// Degrade to no options; the rest of the step still builds.
				c.logf("incoming roster for %s: %v", a.FacilityID, err)
				break
			}
			names := make([]string, 0, len(roster))
			for _, r := range roster {
				if r.DisplayName != "" {
					names = append(names, r.DisplayName)
				} else {
					names = append(names, r.Username)
				}
			}
			v[form.OptionsKey] = names
		default:
			switch {
			case f.Value != nil:
				v[form.ValueKey] = f.Value
			case f.ExtentsDefault != nil:
				v[form.ValueKey] = f.ExtentsDefault
			default:
				v[form.ValueKey] = nil
			}
		}
		for _, ext := range f.Extents {
			if ext.Value != nil {
				v[ext.Name] = ext.Value
			}
		}
		out[f.Name] = v
	}
	return out
}
