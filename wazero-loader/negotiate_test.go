package loader

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/sbsoftware/wasem/log"
)

func anyTable(string) bool { return true }

func tooSmall(name string, required, supplied uint32) error {
	return fmt.Errorf("import table[env.%s]: minimum size mismatch: %d > %d", name, required, supplied)
}

func TestNegotiateRetriesOnceWithRequiredSize(t *testing.T) {
	var supplied []uint32

	plan, n, err := negotiate(log.Discard(), tablePlan{min: 1, names: []string{"__indirect_function_table"}}, anyTable,
		func(p tablePlan) error {
			supplied = append(supplied, p.min)
			if p.min < 40 {
				return tooSmall("__indirect_function_table", 40, p.min)
			}
			return nil
		})

	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []uint32{1, 40}, supplied)
	require.Equal(t, uint32(40), plan.min)
}

func TestNegotiateMissingThenTooSmall(t *testing.T) {
	plan, n, err := negotiate(log.Discard(), tablePlan{min: 1, names: []string{"table"}}, anyTable,
		func(p tablePlan) error {
			found := false
			for _, name := range p.names {
				found = found || name == "tbl"
			}

			switch {
			case !found:
				return errors.New(`"tbl" is not exported in module "env"`)
			case p.min < 8:
				return tooSmall("tbl", 8, p.min)
			}
			return nil
		})

	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []string{"table", "tbl"}, plan.names)
	require.Equal(t, uint32(8), plan.min)
}

func TestNegotiateOtherFailuresAreFatal(t *testing.T) {
	calls := 0

	_, n, err := negotiate(log.Discard(), tablePlan{min: 1}, anyTable, func(tablePlan) error {
		calls++
		return errors.New("import func[env.__syscall3]: signature mismatch")
	})

	require.Error(t, err)
	require.Contains(t, err.Error(), "signature mismatch")
	require.Equal(t, 1, n)
	require.Equal(t, 1, calls)
}

func TestNegotiateMissingFunctionIsFatal(t *testing.T) {
	isTable := func(name string) bool { return name != "mystery" }

	_, n, err := negotiate(log.Discard(), tablePlan{min: 1}, isTable, func(tablePlan) error {
		return errors.New(`"mystery" is not exported in module "env"`)
	})

	require.Error(t, err)
	require.Equal(t, 1, n)
}

func TestNegotiateIsBounded(t *testing.T) {
	calls := 0

	_, n, err := negotiate(log.Discard(), tablePlan{min: 1}, anyTable, func(p tablePlan) error {
		calls++
		return tooSmall("table", p.min+1, p.min)
	})

	require.Error(t, err)
	require.Equal(t, maxAttempts, n)
	require.Equal(t, maxAttempts, calls)

	var small *TableTooSmallError
	require.True(t, errors.As(err, &small))
	require.Equal(t, uint32(4), small.Required)
}

func TestClassify(t *testing.T) {
	err := classify(errors.Wrap(tooSmall("__indirect_function_table", 40, 1), "instantiate"), anyTable)
	require.Equal(t, &TableTooSmallError{Name: "__indirect_function_table", Required: 40, Supplied: 1}, err)

	err = classify(errors.New(`"t" is not exported in module "env"`), anyTable)
	require.Equal(t, &MissingTableError{Name: "t"}, err)

	typed := &MissingTableError{Name: "x"}
	require.Same(t, typed, classify(errors.Wrap(typed, "link"), anyTable))

	require.Nil(t, classify(errors.New(`"t" is not exported in module "other"`), anyTable))
	require.Nil(t, classify(errors.New("out of bounds memory access"), anyTable))
	require.Nil(t, classify(nil, anyTable))
}
