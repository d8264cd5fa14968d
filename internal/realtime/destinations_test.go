package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserQueues(t *testing.T) {
	assert.Equal(t, "/user/42/queue/assignments/updates", UserAssignmentUpdates("42"))
	assert.Equal(t, "/user/42/queue/equipment/updates", UserEquipmentUpdates("42"))
	assert.Equal(t, "/user/42/queue/dashboard/refresh", UserDashboardRefresh("42"))
	assert.Equal(t, "/user/42/queue/errors", UserErrors("42"))

	// Path separators in an ID cannot escape the user scope.
	assert.Equal(t, "/user/a%2Fb/queue/errors", UserErrors("a/b"))
}

func TestEquipmentStatusDestination(t *testing.T) {
	assert.Equal(t, "/app/equipment/eq-1/status", EquipmentStatusDestination("eq-1"))
	assert.Equal(t, "/app/equipment/eq%201/status", EquipmentStatusDestination("eq 1"))
}

func TestRoleBundles(t *testing.T) {
	assert.Equal(t, []string{
		"/topic/director/assignments",
		"/topic/director/maintenance",
		"/topic/director/dashboard/refresh",
	}, DirectorTopics())

	assert.Equal(t, []string{
		"/topic/equipment-manager/assignments",
		"/topic/equipment-manager/maintenance",
		"/topic/equipment-manager/updates",
		"/topic/equipment-manager/dashboard/refresh",
	}, EquipmentManagerTopics())

	assert.Equal(t, []string{
		"/topic/supervisor/approvals",
		"/topic/supervisor/dashboard/refresh",
	}, SupervisorTopics())

	assert.Equal(t, []string{
		"/user/s1/queue/assignments/updates",
		"/user/s1/queue/equipment/updates",
		"/user/s1/queue/dashboard/refresh",
	}, StudentQueues("s1"))
}

func TestRoleBundles_freshSlices(t *testing.T) {
	a := DirectorTopics()
	a[0] = "mutated"
	assert.Equal(t, TopicDirectorAssignments, DirectorTopics()[0])
}
