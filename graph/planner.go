package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sopforge/orchestrator/dotpath"
	"github.com/sopforge/orchestrator/model"
	"github.com/sopforge/orchestrator/skill"
)

// EndSentinel is the planner's "no more work" choice (spec §4.5).
const EndSentinel = "END"

// PlannerDecision is the planner's JSON output, supplemented with a
// Reasoning field recorded into RunState.History (SPEC_FULL.md §10).
type PlannerDecision struct {
	NextAgent string `json:"next_agent"`
	Reasoning string `json:"reasoning"`
}

// Availability bundles the four planner computations from spec §4.5.
type Availability struct {
	CurrentKeys map[string]struct{}
	Completed   map[string]struct{}
	Runnable    []*skill.Skill
	Unblockers  []*skill.Skill
}

// ComputeAvailability derives current_keys, completed, runnable, and
// unblockers for the planner (spec §4.5, steps 1-4).
func ComputeAvailability(skills []*skill.Skill, dataStore map[string]any, restPending map[string]struct{}, executionSequence []string) Availability {
	currentKeys := dotpath.Keys(dataStore)

	executed := make(map[string]struct{}, len(executionSequence))
	for _, name := range executionSequence {
		executed[name] = struct{}{}
	}

	byName := make(map[string]*skill.Skill, len(skills))
	for _, sk := range skills {
		byName[sk.Name] = sk
	}

	completed := make(map[string]struct{})
	for _, sk := range skills {
		if _, ran := executed[sk.Name]; !ran {
			continue
		}
		if allProduced(sk, currentKeys) {
			completed[sk.Name] = struct{}{}
		}
	}

	var runnable []*skill.Skill
	for _, sk := range skills {
		if !sk.Enabled {
			continue
		}
		if _, pending := restPending[sk.Name]; pending {
			continue
		}
		if !requiresSatisfied(sk, currentKeys) {
			continue
		}
		if _, done := completed[sk.Name]; done {
			continue
		}
		runnable = append(runnable, sk)
	}

	runnableSet := make(map[string]struct{}, len(runnable))
	for _, sk := range runnable {
		runnableSet[sk.Name] = struct{}{}
	}

	var unblockers []*skill.Skill
	for _, sk := range runnable {
		if unblocks(sk, skills, currentKeys, completed, runnableSet) {
			unblockers = append(unblockers, sk)
		}
	}

	return Availability{
		CurrentKeys: currentKeys,
		Completed:   completed,
		Runnable:    runnable,
		Unblockers:  unblockers,
	}
}

func requiresSatisfied(sk *skill.Skill, currentKeys map[string]struct{}) bool {
	for _, req := range sk.Requires {
		if _, ok := currentKeys[req]; !ok {
			return false
		}
	}
	return true
}

func allProduced(sk *skill.Skill, currentKeys map[string]struct{}) bool {
	for _, p := range sk.Produces {
		if _, ok := currentKeys[p]; !ok {
			return false
		}
	}
	return true
}

// unblocks reports whether sk produces a key required by some other
// skill that is not itself already runnable or completed (spec §4.5
// step 4: "runnable skills that produce a key required by another
// not-yet-completable skill").
func unblocks(sk *skill.Skill, all []*skill.Skill, currentKeys map[string]struct{}, completed, runnable map[string]struct{}) bool {
	produced := make(map[string]struct{}, len(sk.Produces))
	for _, p := range sk.Produces {
		produced[p] = struct{}{}
	}
	for _, other := range all {
		if other.Name == sk.Name {
			continue
		}
		if _, done := completed[other.Name]; done {
			continue
		}
		if _, ready := runnable[other.Name]; ready {
			continue
		}
		for _, req := range other.Requires {
			if _, ok := currentKeys[req]; ok {
				continue
			}
			if _, produces := produced[req]; produces {
				return true
			}
		}
	}
	return false
}

// Planner prompts an LLM to choose the next skill, given the
// availability computed by ComputeAvailability (spec §4.5).
type Planner struct {
	registry *model.Registry
}

// NewPlanner builds a Planner resolving models through registry.
func NewPlanner(registry *model.Registry) *Planner {
	return &Planner{registry: registry}
}

// Plan prompts llmModel with the SOP, data keys, progress summary,
// capabilities, runnable, and unblockers lists, demanding a JSON
// {next_agent, reasoning}, then applies the guardrail: if the chosen
// skill is not in runnable ∪ unblockers ∪ {END}, deterministically fall
// back to the first runnable skill, then the first unblocker, then END.
func (p *Planner) Plan(ctx context.Context, llmModel, sop string, avail Availability, skills []*skill.Skill) (PlannerDecision, error) {
	client, err := p.registry.Resolve(llmModel)
	if err != nil {
		return PlannerDecision{}, err
	}

	prompt := renderPlannerPrompt(sop, avail, skills)
	resp, err := client.Complete(ctx, model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: "You are the orchestrator planner. Respond with a single JSON object: {\"next_agent\": string, \"reasoning\": string}."},
			{Role: model.RoleUser, Text: prompt},
		},
	})
	if err != nil {
		return PlannerDecision{}, fmt.Errorf("graph: planner completion: %w", err)
	}

	var decision PlannerDecision
	if err := json.Unmarshal([]byte(resp.Text), &decision); err != nil {
		decision = PlannerDecision{NextAgent: "", Reasoning: "planner returned malformed JSON"}
	}

	decision.NextAgent = applyGuardrail(decision.NextAgent, avail)
	return decision, nil
}

// applyGuardrail enforces spec §4.5's deterministic fallback.
func applyGuardrail(chosen string, avail Availability) string {
	if chosen == EndSentinel {
		return EndSentinel
	}
	for _, sk := range avail.Runnable {
		if sk.Name == chosen {
			return chosen
		}
	}
	if len(avail.Runnable) > 0 {
		return avail.Runnable[0].Name
	}
	if len(avail.Unblockers) > 0 {
		return avail.Unblockers[0].Name
	}
	return EndSentinel
}

func renderPlannerPrompt(sop string, avail Availability, skills []*skill.Skill) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SOP:\n%s\n\n", sop)
	fmt.Fprintf(&b, "Data keys present: %s\n", joinKeys(avail.CurrentKeys))
	fmt.Fprintf(&b, "Completed skills: %s\n", joinNames(setNames(avail.Completed)))
	fmt.Fprintf(&b, "Capabilities:\n")
	for _, sk := range skills {
		fmt.Fprintf(&b, "- %s: %s (requires %v, produces %v)\n", sk.Name, sk.Description, sk.Requires, sk.Produces)
	}
	fmt.Fprintf(&b, "Ready to run: %s\n", joinNames(names(avail.Runnable)))
	fmt.Fprintf(&b, "Unblockers: %s\n", joinNames(names(avail.Unblockers)))
	return b.String()
}

func names(skills []*skill.Skill) []string {
	out := make([]string, len(skills))
	for i, sk := range skills {
		out[i] = sk.Name
	}
	return out
}

func setNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

func joinNames(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}

func joinKeys(keys map[string]struct{}) string {
	return joinNames(setNames(keys))
}
