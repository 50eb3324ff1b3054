package world

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// IntegrityReport is the result of a structural self-check. Reported, never
// auto-repaired: a failing report is surfaced as a health flag, and the
// document is left exactly as found.
type IntegrityReport struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

var loadSchema = sync.OnceValues(func() (cue.Value, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile world schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Document"))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("lookup #Document: %w", err)
	}
	return def, nil
})

// CheckIntegrity validates the document against the embedded CUE schema and
// runs the referential checks the schema cannot express. The document is
// never mutated. Errors are sorted so reports are deterministic.
func (d *Document) CheckIntegrity() IntegrityReport {
	var errs []string

	def, err := loadSchema()
	if err != nil {
		errs = append(errs, err.Error())
	} else {
		val := def.Context().Encode(d)
		if encErr := val.Err(); encErr != nil {
			errs = append(errs, fmt.Sprintf("encode document: %v", encErr))
		} else if vErr := def.Unify(val).Validate(cue.Concrete(true)); vErr != nil {
			for _, e := range cueerrors.Errors(vErr) {
				errs = append(errs, e.Error())
			}
		}
	}

	errs = append(errs, d.referentialErrors()...)

	sort.Strings(errs)
	return IntegrityReport{OK: len(errs) == 0, Errors: errs}
}

// referentialErrors covers cross-record invariants: map keys match record
// names, agents live in towns that exist, journals stay within bounds.
func (d *Document) referentialErrors() []string {
	var errs []string
	for key, a := range d.Agents {
		if a == nil {
			errs = append(errs, fmt.Sprintf("agents[%q]: nil record", key))
			continue
		}
		if a.Name != key {
			errs = append(errs, fmt.Sprintf("agents[%q]: name %q does not match key", key, a.Name))
		}
		if a.Town != "" {
			if _, ok := d.Towns[a.Town]; !ok {
				errs = append(errs, fmt.Sprintf("agents[%q]: unknown town %q", key, a.Town))
			}
		}
		if len(a.Journal) > MaxJournalEntries {
			errs = append(errs, fmt.Sprintf("agents[%q]: journal has %d entries, bound is %d", key, len(a.Journal), MaxJournalEntries))
		}
	}
	for key, t := range d.Towns {
		if t == nil {
			errs = append(errs, fmt.Sprintf("towns[%q]: nil record", key))
			continue
		}
		if t.Name != key {
			errs = append(errs, fmt.Sprintf("towns[%q]: name %q does not match key", key, t.Name))
		}
	}
	return errs
}
