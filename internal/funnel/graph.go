package funnel

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// GraphIntegrityError reports a funnel graph that references blocks it does
// not define, or is otherwise structurally unusable. It is returned at load
// time only: a graph that fails indexing is refused activation, so a running
// conversation can rely on every edge resolving.
type GraphIntegrityError struct {
	FunnelID   string
	FunnelName string
	Reference  string // the dangling or conflicting identifier, if any
	Detail     string
	Cause      error
}

func (e *GraphIntegrityError) Error() string {
	msg := fmt.Sprintf("funnel graph %q", e.FunnelName)
	if e.FunnelID != "" {
		msg += fmt.Sprintf(" (id %s)", e.FunnelID)
	}
	msg += ": " + e.Detail
	if e.Reference != "" {
		msg += fmt.Sprintf(": %q", e.Reference)
	}
	return msg
}

func (e *GraphIntegrityError) Unwrap() error {
	return e.Cause
}

// GraphIndex is a validated, immutable view of a funnel graph with O(1)
// lookups from block ID to block and to owning stage. Conversations only ever
// run against an index, never against a raw graph.
type GraphIndex struct {
	graph   models.FunnelGraph
	stageOf map[string]models.Stage
}

// NewGraphIndex validates a funnel graph and builds the lookup index. It
// checks structure (via models validation) and referential integrity: the
// start block exists, every option target exists, and every block belongs to
// exactly one stage. Any failure is a *GraphIntegrityError.
func NewGraphIndex(g models.FunnelGraph) (*GraphIndex, error) {
	fail := func(reference, detail string, cause error) (*GraphIndex, error) {
		return nil, &GraphIntegrityError{
			FunnelID:   g.ID,
			FunnelName: g.Name,
			Reference:  reference,
			Detail:     detail,
			Cause:      cause,
		}
	}

	if err := g.Validate(); err != nil {
		return fail("", err.Error(), err)
	}

	if _, ok := g.Blocks[g.StartBlockID]; !ok {
		return fail(g.StartBlockID, "start block is not defined", nil)
	}

	for id, block := range g.Blocks {
		if block.ID != id {
			return fail(id, fmt.Sprintf("block map key does not match block id %q", block.ID), nil)
		}
		for _, option := range block.Options {
			if option.NextBlockID == nil {
				continue
			}
			if _, ok := g.Blocks[*option.NextBlockID]; !ok {
				return fail(*option.NextBlockID,
					fmt.Sprintf("option %q on block %q targets an undefined block", option.Text, id), nil)
			}
		}
	}

	stageOf := make(map[string]models.Stage, len(g.Blocks))
	for _, stage := range g.Stages {
		for _, blockID := range stage.BlockIDs {
			if _, ok := g.Blocks[blockID]; !ok {
				return fail(blockID, fmt.Sprintf("stage %q lists an undefined block", stage.Name), nil)
			}
			if owner, taken := stageOf[blockID]; taken {
				return fail(blockID,
					fmt.Sprintf("block belongs to both stage %q and stage %q", owner.Name, stage.Name), nil)
			}
			stageOf[blockID] = stage
		}
	}
	for id := range g.Blocks {
		if _, ok := stageOf[id]; !ok {
			return fail(id, "block belongs to no stage", nil)
		}
	}

	slog.Debug("GraphIndex built", "funnelID", g.ID, "name", g.Name, "blocks", len(g.Blocks), "stages", len(g.Stages))
	return &GraphIndex{graph: g, stageOf: stageOf}, nil
}

// Graph returns the underlying funnel graph.
func (x *GraphIndex) Graph() models.FunnelGraph {
	return x.graph
}

// StartBlock returns the funnel's entry block.
func (x *GraphIndex) StartBlock() models.Block {
	return x.graph.Blocks[x.graph.StartBlockID]
}

// ResolveBlock looks up a block by ID. A miss at runtime means the
// conversation is orphaned (its graph changed underneath it), never a
// tolerated dangling edge.
func (x *GraphIndex) ResolveBlock(id string) (models.Block, bool) {
	block, ok := x.graph.Blocks[id]
	return block, ok
}

// StageOf returns the stage owning a block.
func (x *GraphIndex) StageOf(blockID string) (models.Stage, bool) {
	stage, ok := x.stageOf[blockID]
	return stage, ok
}

// IsInStageNamed reports whether a block belongs to the stage with the given
// name, compared case-insensitively.
func (x *GraphIndex) IsInStageNamed(blockID, stageName string) bool {
	stage, ok := x.stageOf[blockID]
	return ok && strings.EqualFold(stage.Name, stageName)
}
