package domain

// Phase identifies one of the per-account processing phases the
// coordinator can enqueue. Phases are evaluated in strict priority
// order; at most one phase is enqueued per coordinator tick.
type Phase string

// Processing phases, highest priority first.
const (
	PhaseStorySync        Phase = "story_sync"
	PhaseFeedCapture      Phase = "feed_capture"
	PhaseWorkspaceActions Phase = "workspace_actions"
	PhaseProfileScan      Phase = "profile_scan"
)

// PhasesByPriority lists all phases in evaluation order.
// The slice must never be reordered: the coordinator's
// "higher priority phase enqueued" semantics depend on it.
var PhasesByPriority = []Phase{
	PhaseStorySync,
	PhaseFeedCapture,
	PhaseWorkspaceActions,
	PhaseProfileScan,
}

// AIDependent reports whether the phase requires the local AI service
// to be healthy before it may be enqueued. Workspace action processing
// and the profile-scan fallback run regardless of AI health.
func (p Phase) AIDependent() bool {
	switch p {
	case PhaseStorySync, PhaseFeedCapture:
		return true
	default:
		return false
	}
}

// JobClass returns the queue job class executing this phase.
func (p Phase) JobClass() string {
	switch p {
	case PhaseStorySync:
		return "jobs.StorySync"
	case PhaseFeedCapture:
		return "jobs.FeedCapture"
	case PhaseWorkspaceActions:
		return "jobs.WorkspaceActions"
	case PhaseProfileScan:
		return "jobs.ProfileScan"
	default:
		return ""
	}
}

// QueueName returns the broker lane the phase's job runs on.
func (p Phase) QueueName() string {
	switch p {
	case PhaseStorySync:
		return "story"
	case PhaseFeedCapture:
		return "feed"
	case PhaseWorkspaceActions:
		return "workspace"
	case PhaseProfileScan:
		return "profile"
	default:
		return "default"
	}
}
