package graph_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sopforge/orchestrator/graph"
)

// TestThreeInARowAlwaysDetected is a property test: appending the same
// skill name three times in a row to any prefix always trips the loop
// detector (spec §8's testable property for XXX sequences).
func TestThreeInARowAlwaysDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("XXX suffix always detected", prop.ForAll(
		func(prefix []string, skillName string) bool {
			if skillName == "" {
				return true
			}
			seq := append(append([]string{}, prefix...), skillName, skillName, skillName)
			loop, _ := graph.DetectLoop(seq)
			return loop
		},
		gen.SliceOf(gen.Identifier()),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// TestAlternatingAlwaysDetected is a property test for the A,B,A,B
// alternation shape, requiring the two skills to be distinct.
func TestAlternatingAlwaysDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("ABAB suffix always detected", prop.ForAll(
		func(a, b string) bool {
			if a == "" || b == "" || a == b {
				return true
			}
			loop, _ := graph.DetectLoop([]string{a, b, a, b})
			return loop
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
