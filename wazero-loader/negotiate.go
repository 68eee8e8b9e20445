package loader

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/sbsoftware/wasem"
)

// maxAttempts bounds instantiation: a missing table, then an undersized
// one, then success.
const maxAttempts = 3

// MissingTableError is an instantiation failure because the guest
// imports a table under a name env does not export.
type MissingTableError struct {
	Name string
}

func (e *MissingTableError) Error() string {
	return fmt.Sprintf("table %q not supplied", e.Name)
}

// TableTooSmallError is an instantiation failure because the supplied
// table is below the guest's declared minimum.
type TableTooSmallError struct {
	Name     string
	Required uint32
	Supplied uint32
}

func (e *TableTooSmallError) Error() string {
	return fmt.Sprintf("table %q too small: need %d, have %d", e.Name, e.Required, e.Supplied)
}

// tablePlan is the table the next env module defines.
type tablePlan struct {
	names  []string
	min    uint32
	max    uint32
	hasMax bool
}

func (p *tablePlan) addName(name string) {
	for _, n := range p.names {
		if n == name {
			return
		}
	}
	p.names = append(p.names, name)
}

// wazero link diagnostics. These are only consulted when the import
// section could not be inspected.
var (
	tooSmallRe = regexp.MustCompile(`import table\[([^\]]*)\]: minimum size mismatch: (\d+) > (\d+)`)
	missingRe  = regexp.MustCompile(`"([^"]+)" is not exported in module "` + wasem.ModuleEnv + `"`)
)

// classify returns the typed table failure behind err, or nil when err
// is not one. isTable decides whether a missing env export is a table.
func classify(err error, isTable func(name string) bool) error {
	if err == nil {
		return nil
	}

	var missing *MissingTableError
	var small *TableTooSmallError
	if errors.As(err, &missing) {
		return missing
	}
	if errors.As(err, &small) {
		return small
	}

	msg := err.Error()

	if m := tooSmallRe.FindStringSubmatch(msg); m != nil {
		required, err1 := strconv.ParseUint(m[2], 10, 32)
		supplied, err2 := strconv.ParseUint(m[3], 10, 32)
		if err1 != nil || err2 != nil {
			return nil
		}

		return &TableTooSmallError{
			Name:     strings.TrimPrefix(m[1], wasem.ModuleEnv+"."),
			Required: uint32(required),
			Supplied: uint32(supplied),
		}
	}

	if m := missingRe.FindStringSubmatch(msg); m != nil && isTable(m[1]) {
		return &MissingTableError{Name: m[1]}
	}

	return nil
}

// negotiate calls attempt until it succeeds, adjusting the plan after
// each recognized table failure. It returns the plan that worked and the
// number of attempts made.
func negotiate(l hclog.Logger, plan tablePlan, isTable func(string) bool, attempt func(tablePlan) error) (tablePlan, int, error) {
	for n := 1; ; n++ {
		l.Debug("instantiating", "attempt", n, "table", plan.min, "names", plan.names)

		err := attempt(plan)
		if err == nil {
			return plan, n, nil
		}

		cause := classify(err, isTable)
		if cause == nil {
			l.Error("instantiation failed", "attempt", n, "error", err)
			return plan, n, errors.Wrap(err, "instantiate")
		}

		if n == maxAttempts {
			l.Error("table negotiation exhausted", "attempts", n, "error", err)
			return plan, n, errors.Wrapf(cause, "instantiate after %d attempts", n)
		}

		switch c := cause.(type) {
		case *MissingTableError:
			plan.addName(c.Name)
		case *TableTooSmallError:
			plan.addName(c.Name)
			plan.min = c.Required
			if plan.hasMax && plan.max < plan.min {
				plan.max = plan.min
			}
		}

		l.Info("retrying instantiation", "reason", cause, "table", plan.min)
	}
}
