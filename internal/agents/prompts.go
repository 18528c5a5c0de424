package agents

import (
	"fmt"
	"strings"
)

// System prompts for each agent role. Agents stream structured notes using a
// REASONING:/FINAL: line protocol so downstream consumers can render partial
// progress, except the synthesizer which streams the report markdown directly.

const anomalySystemPrompt = `You are the Anomaly & Trend Detector Agent. Stream your reasoning as structured, audience-safe notes.
Output format during streaming:
REASONING: <concise step>
... (repeat while working)
FINAL: <concise findings and anomaly list>`

const clusterSystemPrompt = `You are the Geospatial Clustering Agent. Stream your reasoning as structured, audience-safe notes.
Output format during streaming:
REASONING: <concise step>
... (repeat while working)
FINAL: <cluster summaries and hotspots>`

const causalSystemPrompt = `You are the Causal Inference Agent. Stream your reasoning as structured, audience-safe notes.
Output format during streaming:
REASONING: <concise step>
... (repeat while working)
FINAL: <causal hypotheses with confidence and citations>`

const synthesizeSystemPrompt = `You are the Policy Synthesis Agent. Stream structured markdown.
Output format:
# Executive Summary
...
## Key Findings
...
## Recommendations
...
## Implementation Plan
...`

// Capabilities are advertised to the model as a note in the system prompt.
// Extended tools additionally attach registered tool definitions to the request.
type Capabilities struct {
	CodeInterpreter bool
	WebSearch       bool
	ExtendedTools   bool
}

// Note renders the capability line appended to stage 1 and causal prompts.
func (c Capabilities) Note() string {
	var parts []string
	if c.CodeInterpreter {
		parts = append(parts, "Code Interpreter enabled")
	}
	if c.WebSearch {
		parts = append(parts, "Web Search enabled")
	}
	if c.ExtendedTools {
		parts = append(parts, "Extended tool access enabled")
	}
	if len(parts) == 0 {
		return "No external tools enabled"
	}
	return strings.Join(parts, " | ")
}

// systemPrompt returns the full system prompt for a role, including the
// capability note for roles that use it.
func systemPrompt(role Role, caps Capabilities) string {
	switch role {
	case RoleAnomaly:
		return anomalySystemPrompt + "\nCapabilities: " + caps.Note() + "."
	case RoleCluster:
		return clusterSystemPrompt + "\nCapabilities: " + caps.Note() + "."
	case RoleCausal:
		return causalSystemPrompt + "\nCapabilities: " + caps.Note() + "."
	case RoleSynthesize:
		return synthesizeSystemPrompt
	default:
		return anomalySystemPrompt
	}
}

// userMessage builds the task instruction sent as the first user turn.
func userMessage(role Role, city string) string {
	if city == "" {
		city = "unknown"
	}
	switch role {
	case RoleAnomaly:
		return fmt.Sprintf("City: %s. Detect anomalies and trends from input. Use the enabled capabilities when helpful.", city)
	case RoleCluster:
		return fmt.Sprintf("City: %s. Cluster input into spatial hotspots. Use the enabled capabilities when helpful.", city)
	case RoleCausal:
		return fmt.Sprintf("City: %s. Hypothesize likely causes by correlating anomalies/clusters with local news/posts.", city)
	case RoleSynthesize:
		return fmt.Sprintf("City: %s. Synthesize an executive policy brief and an operational playbook.", city)
	default:
		return fmt.Sprintf("City: %s.", city)
	}
}
