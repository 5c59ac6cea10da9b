package pipeline

import (
	"testing"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func names(steps []Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Name())
	}
	return out
}

func TestStagePlan(t *testing.T) {
	plan := StagePlan(domain.ModeStage)

	assert.Equal(t, []string{"clone", "trigger:create", "start", "trigger:test"}, names(plan))
	assert.Equal(t, []string{"stage"}, plan[1].Args)
	assert.True(t, plan[3].Gate)
	for _, s := range plan[:3] {
		assert.False(t, s.Gate)
	}
}

func TestPromotionPlans(t *testing.T) {
	assert.Equal(t, []string{"clone", "trigger:create", "start"}, names(CreatePlan()))
	assert.Equal(t, []string{"clone", "update", "trigger:update", "start"}, names(UpdatePlan()))
	assert.Equal(t, []string{"trigger:destroy", "destroy"}, names(TeardownPlan()))
	assert.Equal(t, names(CreatePlan()), names(RestorePlan()))
}

func TestVerdictEvent(t *testing.T) {
	assert.Equal(t, EventPass, VerdictEvent(0))
	assert.Equal(t, EventFail, VerdictEvent(1))
	assert.Equal(t, EventFail, VerdictEvent(-1))
}
