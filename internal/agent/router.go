// ABOUTME: Keyword router for choosing between the chat agent and the builder agent.
// ABOUTME: Builder requests get a JSON output instruction appended to the user text.

package agent

import (
	"errors"
	"strings"
)

// DefaultBuilderKeyword selects the builder agent when found in the user text.
const DefaultBuilderKeyword = "calendar"

// builderSuffix asks the builder agent for structured output.
const builderSuffix = "\n\nReturn the response in JSON format."

// ErrNoAgentsAvailable indicates no chat agent id is configured.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Route is the routing decision for one message.
type Route struct {
	AgentID string
	// Input is the text to post to the agent thread.
	Input   string
	Builder bool
}

// Router selects the agent that handles a message.
type Router struct {
	chatAgentID    string
	builderAgentID string
	keyword        string
}

// NewRouter creates a Router. An empty keyword falls back to DefaultBuilderKeyword.
func NewRouter(chatAgentID, builderAgentID, keyword string) *Router {
	if keyword == "" {
		keyword = DefaultBuilderKeyword
	}
	return &Router{
		chatAgentID:    chatAgentID,
		builderAgentID: builderAgentID,
		keyword:        strings.ToLower(keyword),
	}
}

// Route picks the builder agent when it is configured and the text mentions
// the keyword, and the chat agent otherwise.
func (r *Router) Route(text string) (Route, error) {
	if r.builderAgentID != "" && strings.Contains(strings.ToLower(text), r.keyword) {
		return Route{AgentID: r.builderAgentID, Input: text + builderSuffix, Builder: true}, nil
	}
	if r.chatAgentID == "" {
		return Route{}, ErrNoAgentsAvailable
	}
	return Route{AgentID: r.chatAgentID, Input: text}, nil
}

// AgentIDs returns the configured agent ids, chat first.
func (r *Router) AgentIDs() []string {
	ids := make([]string, 0, 2)
	if r.chatAgentID != "" {
		ids = append(ids, r.chatAgentID)
	}
	if r.builderAgentID != "" && r.builderAgentID != r.chatAgentID {
		ids = append(ids, r.builderAgentID)
	}
	return ids
}
