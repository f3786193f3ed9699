package domain

// Notifier receives outbound notifications at workflow transition points.
// Delivery is best-effort: a notification failure must never roll back a
// committed state transition, so none of these methods return an error.
type Notifier interface {
	AddApprovers(userIDs []string, projectName, projectID string)
	RemoveApprovers(userIDs []string, projectName, projectID string)
	AddEditors(userIDs []string, projectName, projectID string)
	RemoveEditors(userIDs []string, projectName, projectID string)
	SubmittedForApproval(projectName, projectID string)
	Approved(projectName, projectID string)
	Rejected(projectName, projectID, reason, rejectingUser string)
	ValidateEmail(candidate string) bool
}
