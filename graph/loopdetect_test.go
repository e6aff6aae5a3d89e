package graph

import "testing"

func TestDetectLoopThreeInARow(t *testing.T) {
	loop, reason := DetectLoop([]string{"a", "b", "x", "x", "x"})
	if !loop {
		t.Fatal("expected loop")
	}
	if reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestDetectLoopAlternating(t *testing.T) {
	loop, _ := DetectLoop([]string{"a", "b", "a", "b"})
	if !loop {
		t.Fatal("expected alternating loop")
	}
}

func TestDetectLoopSixCycle(t *testing.T) {
	loop, _ := DetectLoop([]string{"a", "b", "c", "a", "b", "c"})
	if !loop {
		t.Fatal("expected six-cycle loop")
	}
}

func TestDetectLoopTwoInARowIsNotALoop(t *testing.T) {
	loop, _ := DetectLoop([]string{"a", "x", "x"})
	if loop {
		t.Fatal("two consecutive executions must not be flagged (spec §8's unresolved question permits reruns)")
	}
}

func TestDetectLoopNoFalsePositiveOnShortSequence(t *testing.T) {
	loop, _ := DetectLoop([]string{"a", "b", "c"})
	if loop {
		t.Fatal("unexpected loop on a short, non-repeating sequence")
	}
}

func TestDetectLoopDistinctSkillsNoFalsePositive(t *testing.T) {
	loop, _ := DetectLoop([]string{"a", "b", "c", "d", "e", "f"})
	if loop {
		t.Fatal("six distinct skills must not be flagged as a cycle")
	}
}
