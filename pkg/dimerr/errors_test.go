package dimerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", New(QueueFull, "full"), QueueFull},
		{"wrapped with fmt", fmt.Errorf("submit: %w", New(InvalidSpec, "bad")), InvalidSpec},
		{"plain error", fmt.Errorf("boom"), InternalError},
		{"wrap with cause", Wrap(Timeout, "agent", fmt.Errorf("deadline")), Timeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	e := Wrap(AgentCrashed, "agent exited", fmt.Errorf("exit status 1"))
	assert.Contains(t, e.Error(), "AGENT_CRASHED")
	assert.Contains(t, e.Error(), "exit status 1")
}
