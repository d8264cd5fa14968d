package realtime

import "net/url"

// Publish destinations handled by the backend's message controllers.
const (
	DestEquipmentSubscribe  = "/app/equipment/subscribe"
	DestAssignmentCheckout  = "/app/assignment/checkout"
	DestAssignmentReturn    = "/app/assignment/return"
	DestMaintenanceSchedule = "/app/maintenance/schedule"
	DestDashboardRefresh    = "/app/dashboard/refresh"
)

// Broadcast topics.
const (
	TopicEquipmentUpdates = "/topic/equipment/updates"

	TopicDirectorAssignments      = "/topic/director/assignments"
	TopicDirectorMaintenance      = "/topic/director/maintenance"
	TopicDirectorDashboardRefresh = "/topic/director/dashboard/refresh"

	TopicManagerAssignments      = "/topic/equipment-manager/assignments"
	TopicManagerMaintenance      = "/topic/equipment-manager/maintenance"
	TopicManagerUpdates          = "/topic/equipment-manager/updates"
	TopicManagerDashboardRefresh = "/topic/equipment-manager/dashboard/refresh"

	TopicSupervisorApprovals        = "/topic/supervisor/approvals"
	TopicSupervisorDashboardRefresh = "/topic/supervisor/dashboard/refresh"
)

// EquipmentStatusDestination is where status changes for one item are published.
func EquipmentStatusDestination(equipmentID string) string {
	return "/app/equipment/" + url.PathEscape(equipmentID) + "/status"
}

// UserAssignmentUpdates is the user-scoped assignment queue.
func UserAssignmentUpdates(userID string) string {
	return userQueue(userID, "assignments/updates")
}

// UserEquipmentUpdates is the user-scoped equipment queue.
func UserEquipmentUpdates(userID string) string {
	return userQueue(userID, "equipment/updates")
}

// UserDashboardRefresh is the user-scoped dashboard refresh queue.
func UserDashboardRefresh(userID string) string {
	return userQueue(userID, "dashboard/refresh")
}

// UserErrors is the user-scoped error queue.
func UserErrors(userID string) string {
	return userQueue(userID, "errors")
}

func userQueue(userID, name string) string {
	return "/user/" + url.PathEscape(userID) + "/queue/" + name
}

// DirectorTopics is the band director bundle.
func DirectorTopics() []string {
	return []string{TopicDirectorAssignments, TopicDirectorMaintenance, TopicDirectorDashboardRefresh}
}

// EquipmentManagerTopics is the equipment manager bundle.
func EquipmentManagerTopics() []string {
	return []string{TopicManagerAssignments, TopicManagerMaintenance, TopicManagerUpdates, TopicManagerDashboardRefresh}
}

// SupervisorTopics is the supervisor bundle.
func SupervisorTopics() []string {
	return []string{TopicSupervisorApprovals, TopicSupervisorDashboardRefresh}
}

// StudentQueues is the student bundle for userID.
func StudentQueues(userID string) []string {
	return []string{UserAssignmentUpdates(userID), UserEquipmentUpdates(userID), UserDashboardRefresh(userID)}
}
