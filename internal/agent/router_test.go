// ABOUTME: Tests for keyword routing between the chat and builder agents
// ABOUTME: Checks keyword matching, the JSON suffix, and missing agent ids

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter(t *testing.T) {
	r := NewRouter("chat", "builder", "")

	route, err := r.Route("what's on my CALENDAR today?")
	require.NoError(t, err)
	assert.Equal(t, "builder", route.AgentID)
	assert.True(t, route.Builder)
	assert.Equal(t, "what's on my CALENDAR today?\n\nReturn the response in JSON format.", route.Input)

	route, err = r.Route("hello")
	require.NoError(t, err)
	assert.Equal(t, Route{AgentID: "chat", Input: "hello"}, route)

	assert.Equal(t, []string{"chat", "builder"}, r.AgentIDs())
}

func TestRouterWithoutBuilder(t *testing.T) {
	r := NewRouter("chat", "", "calendar")

	route, err := r.Route("calendar please")
	require.NoError(t, err)
	assert.Equal(t, "chat", route.AgentID)
	assert.Equal(t, "calendar please", route.Input)
	assert.Equal(t, []string{"chat"}, r.AgentIDs())

	_, err = NewRouter("", "", "").Route("hi")
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)
}
