package stepper

import (
	"fmt"
	"io"
	"strings"
)

// Step is the visual state of a single entry in the loan application stepper.
type Step struct {
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
	Highlighted bool   `json:"highlighted"`
	Selected    bool   `json:"selected"`
}

// Build projects a list of step descriptions onto their visual state given the
// 1-based index of the step the user is on. Steps before the current one are
// completed, the current one is highlighted, and the rest are pending.
func Build(descriptions []string, currentStep int) []Step {
	steps := make([]Step, len(descriptions))
	current := -1
	if currentStep > 0 {
		current = currentStep - 1
	}
	for i, description := range descriptions {
		step := Step{Description: description}
		switch {
		case i == current:
			step.Highlighted = true
			step.Selected = true
		case i < current:
			step.Selected = true
			step.Completed = true
		}
		steps[i] = step
	}
	return steps
}

// Current returns the 1-based index of the highlighted step, or 0 when no step
// is highlighted (every step pending or every step completed).
func Current(steps []Step) int {
	for i, step := range steps {
		if step.Highlighted {
			return i + 1
		}
	}
	return 0
}

// Render writes a single-line text rendering of the stepper:
//
//	(1)=====[2]-----( 3 )
//
// Completed steps are drawn as (n), the current step as [n] and pending steps
// as ( n ). The connector after a completed step is solid.
func Render(w io.Writer, steps []Step) error {
	var b strings.Builder
	for i, step := range steps {
		switch {
		case step.Highlighted:
			fmt.Fprintf(&b, "[%d]", i+1)
		case step.Completed:
			fmt.Fprintf(&b, "(%d)", i+1)
		default:
			fmt.Fprintf(&b, "( %d )", i+1)
		}
		if i == len(steps)-1 {
			continue
		}
		if step.Completed {
			b.WriteString("=====")
		} else {
			b.WriteString("-----")
		}
	}
	b.WriteByte('\n')
	for i, step := range steps {
		marker := " "
		if step.Highlighted {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %d. %s\n", marker, i+1, strings.ToUpper(step.Description))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
