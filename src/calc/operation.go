package calc

import (
	"strings"

	"example.com/meter-logger/src/errs"
)

type Operation int

const (
	// Sum adds the weighted values of two or more synchronized channels, e.g. tariff
	// registers of one meter.
	Sum Operation = iota
	// Derivation derives a rate from consecutive weighted samples, e.g. power from energy.
	Derivation
)

func (op Operation) String() string {
	switch op {
	case Sum:
		return "SUM"
	case Derivation:
		return "DERIVATION"
	default:
		return "?"
	}
}

// ParseOperation parses "SUM" or "DERIVATION" with an optional suffix selecting the
// default negative result filter: "+" clamps negative results to 0, "^" takes their
// absolute value and no suffix keeps them.
func ParseOperation(s string) (Operation, float64, error) {
	var op Operation
	var rest string
	switch {
	case strings.HasPrefix(s, "SUM"):
		op, rest = Sum, strings.TrimPrefix(s, "SUM")
	case strings.HasPrefix(s, "DERIVATION"):
		op, rest = Derivation, strings.TrimPrefix(s, "DERIVATION")
	default:
		return 0, 0, errs.New(errs.Configuration, "calc.ParseOperation", "operation %q not found", s)
	}

	switch rest {
	case "+":
		return op, 0, nil
	case "^":
		return op, -1, nil
	default:
		return op, 1, nil
	}
}
