package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/your-org/linetrace/pkg/linetrace"
)

// Divergence describes a step at which two traces differ.
type Divergence struct {
	Seq      int
	Field    string
	Expected string
	Actual   string
}

// Compare traces step by step. An empty list means the flows stopped at the
// same locations with the same variable state.
func Compare(expected FlowTrace, actual FlowTrace) []Divergence {
	n := len(expected.Steps)
	if len(actual.Steps) > n {
		n = len(actual.Steps)
	}

	out := make([]Divergence, 0)
	for i := 0; i < n; i++ {
		seq := i + 1
		if i >= len(expected.Steps) {
			out = append(out, Divergence{Seq: seq, Field: "missing_expected", Actual: stepLocation(actual.Steps[i])})
			continue
		}
		if i >= len(actual.Steps) {
			out = append(out, Divergence{Seq: seq, Field: "missing_actual", Expected: stepLocation(expected.Steps[i])})
			continue
		}
		out = append(out, compareStep(seq, expected.Steps[i], actual.Steps[i])...)
	}
	return out
}

func compareStep(seq int, e, a Step) []Divergence {
	var out []Divergence
	if el, al := stepLocation(e), stepLocation(a); el != al {
		out = append(out, Divergence{Seq: seq, Field: "location", Expected: el, Actual: al})
	}
	if ee, ae := stepError(e), stepError(a); ee != ae {
		out = append(out, Divergence{Seq: seq, Field: "error", Expected: ee, Actual: ae})
	}
	if eh, ah := localsHash(e.Event.Event), localsHash(a.Event.Event); eh != ah {
		out = append(out, Divergence{Seq: seq, Field: "locals_hash", Expected: eh, Actual: ah})
	}
	return out
}

func FormatDivergence(div []Divergence) string {
	if len(div) == 0 {
		return "no divergence detected"
	}
	var b strings.Builder
	b.WriteString("trace divergence detected:\n")
	for _, d := range div {
		fmt.Fprintf(&b, "- step=%d field=%s expected=%q actual=%q\n", d.Seq, d.Field, d.Expected, d.Actual)
	}
	return b.String()
}

func stepLocation(s Step) string {
	if s.Request.Location != "" {
		return s.FunctionID + "@" + s.Request.Location
	}
	return s.FunctionID + "@" + strconv.Itoa(s.Request.Line)
}

func stepError(s Step) string {
	if ee, ok := s.Event.Event.(*linetrace.ErrorEvent); ok {
		return ee.Error
	}
	return s.Error
}

func localsHash(ev linetrace.Event) string {
	snap, ok := linetrace.SnapshotFromEvent(ev)
	if !ok {
		return ""
	}
	// encoding/json sorts map keys, so equal locals hash equally.
	b, err := json.Marshal(snap.Locals)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
