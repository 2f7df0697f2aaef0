package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/simworld/simworld/pkg/gateway"
	"github.com/simworld/simworld/pkg/memstream"
	"github.com/simworld/simworld/pkg/model"
	"github.com/simworld/simworld/pkg/planner"
)

type dialogueRequest struct {
	Speaker        string   `json:"speaker"`
	SpeakerPersona string   `json:"speaker_persona,omitempty"`
	Listener       string   `json:"listener"`
	Topic          string   `json:"topic"`
	MemoryContext  []string `json:"memory_context,omitempty"`
}

type dialogueResponse struct {
	Utterance string `json:"utterance"`
}

// handleCommunicate produces one utterance toward the targeted agent,
// records it in both agents' memory streams, and marks the relationship.
// A missing target or an unavailable model degrades to an attempted-
// conversation record rather than an error.
func (l *Loop) handleCommunicate(ctx context.Context, world *model.World, agent *model.Agent, action planner.Action, now time.Time) (utterance, targetID string, err error) {
	target, err := l.findAgentByName(ctx, world.ID, action.Target)
	if err != nil {
		return "", "", err
	}
	if target == nil {
		return "", "", nil
	}

	memories, err := l.stream.RetrieveRelevant(ctx, agent.ID, "conversations with "+target.Name, 5, now)
	if err != nil {
		return "", "", err
	}
	contextLines := make([]string, len(memories))
	for i, m := range memories {
		contextLines[i] = m.Content
	}

	var resp dialogueResponse
	err = l.lm.Complete(ctx, gateway.CompletionDialogue, dialogueRequest{
		Speaker:        agent.Name,
		SpeakerPersona: agent.Persona,
		Listener:       target.Name,
		Topic:          action.Description,
		MemoryContext:  contextLines,
	}, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		slog.Debug("dialogue generation unavailable", "agent", agent.ID, "error", err)
		resp.Utterance = ""
	}

	if resp.Utterance != "" {
		speakerLine := fmt.Sprintf("%s said to %s: %q", agent.Name, target.Name, resp.Utterance)
		if _, err := l.stream.Append(ctx, memstream.AppendRequest{
			AgentID:   agent.ID,
			WorldID:   world.ID,
			Kind:      model.MemoryKindObservation,
			Content:   speakerLine,
			Timestamp: now,
			Tags:      []string{"dialogue"},
		}); err != nil {
			return "", "", err
		}
		if _, err := l.stream.Append(ctx, memstream.AppendRequest{
			AgentID:   target.ID,
			WorldID:   world.ID,
			Kind:      model.MemoryKindObservation,
			Content:   speakerLine,
			Timestamp: now,
			Tags:      []string{"dialogue"},
		}); err != nil {
			return "", "", err
		}
	}

	l.markRelationship(ctx, agent, target, now)
	return resp.Utterance, target.ID, nil
}

// markRelationship records a reciprocal acquaintance after a dialogue;
// existing labels are left alone.
func (l *Loop) markRelationship(ctx context.Context, agent, target *model.Agent, now time.Time) {
	if agent.Relationships == nil {
		agent.Relationships = map[string]string{}
	}
	if _, ok := agent.Relationships[target.ID]; !ok {
		agent.Relationships[target.ID] = "acquaintance"
	}

	if _, ok := target.Relationships[agent.ID]; ok {
		return
	}
	fresh, err := l.store.GetAgent(ctx, target.ID)
	if err != nil {
		slog.Warn("Failed to update reciprocal relationship", "agent", target.ID, "error", err)
		return
	}
	if fresh.Relationships == nil {
		fresh.Relationships = map[string]string{}
	}
	if _, ok := fresh.Relationships[agent.ID]; ok {
		return
	}
	fresh.Relationships[agent.ID] = "acquaintance"
	fresh.UpdatedAt = now
	if err := l.store.PutAgent(ctx, fresh); err != nil {
		slog.Warn("Failed to update reciprocal relationship", "agent", target.ID, "error", err)
	}
}

// findAgentByName resolves a classifier-extracted name to an active agent
// in the world; matching is case-insensitive on name prefix.
func (l *Loop) findAgentByName(ctx context.Context, worldID, name string) (*model.Agent, error) {
	if name == "" {
		return nil, nil
	}
	agents, err := l.store.ListAgentsByWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(name)
	for _, a := range agents {
		if a.Status != model.AgentStatusActive {
			continue
		}
		lower := strings.ToLower(a.Name)
		if lower == needle || strings.HasPrefix(needle, lower) || strings.HasPrefix(lower, needle) {
			return a, nil
		}
	}
	return nil, nil
}
