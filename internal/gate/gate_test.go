package gate

import (
	"strings"
	"testing"

	"stageline/internal/domain"
)

var agents = []domain.AgentDescriptor{
	{ID: 1, Name: "problem-analyst", Stage: domain.StageDiscover, ArtifactType: "problem-brief"},
	{ID: 2, Name: "market-researcher", Stage: domain.StageDiscover, ArtifactType: "market-scan"},
	{ID: 3, Name: "architect", Stage: domain.StageDesign, ArtifactType: "architecture"},
}

func TestCanAdvanceAllLocked(t *testing.T) {
	locked := map[string]bool{"problem-brief": true, "market-scan": true}
	ok, reasons := CanAdvance(agents, locked, domain.StageDiscover, domain.StageDesign)
	if !ok || len(reasons) != 0 {
		t.Fatalf("expected open gate, got %v", reasons)
	}
}

func TestCanAdvanceMissingLock(t *testing.T) {
	locked := map[string]bool{"problem-brief": true}
	ok, reasons := CanAdvance(agents, locked, domain.StageDiscover, domain.StageDesign)
	if ok {
		t.Fatal("expected blocked gate")
	}
	if len(reasons) != 1 || !strings.Contains(reasons[0], "market-scan") {
		t.Fatalf("unexpected reasons %v", reasons)
	}
}

func TestCanAdvanceOnlyNextStage(t *testing.T) {
	locked := map[string]bool{"problem-brief": true, "market-scan": true}
	ok, _ := CanAdvance(agents, locked, domain.StageDiscover, domain.StageBuild)
	if ok {
		t.Fatal("skipping a stage must be blocked")
	}
	ok, _ = CanAdvance(agents, locked, domain.StageDiscover, domain.StageDiscover)
	if ok {
		t.Fatal("advancing to the same stage must be blocked")
	}
}

func TestAgentRunnable(t *testing.T) {
	architect := agents[2]
	if ok, _ := AgentRunnable(architect, domain.StageDiscover); ok {
		t.Fatal("design agent must not run at discover")
	}
	if ok, reason := AgentRunnable(architect, domain.StageDesign); !ok {
		t.Fatalf("design agent should run at design: %s", reason)
	}
	// Earlier-stage agents stay runnable at later stages.
	if ok, reason := AgentRunnable(agents[0], domain.StageBuild); !ok {
		t.Fatalf("discover agent should run at build: %s", reason)
	}
}
