package status

// MgrStatus is the manager-level state reported in the status document.
type MgrStatus int

const (
	MgrStopped MgrStatus = iota
	MgrStoppedOnError
	MgrRunning
	MgrDisabledLocal
	MgrDisabledByControlDB
)

func (s MgrStatus) String() string {
	switch s {
	case MgrStopped:
		return "Stopped"
	case MgrStoppedOnError:
		return "Stopped_Error"
	case MgrRunning:
		return "Running"
	case MgrDisabledLocal:
		return "Disabled_Local"
	case MgrDisabledByControlDB:
		return "Disabled_MC"
	default:
		return "Unknown"
	}
}

// TaskStatus is the state of the current task.
type TaskStatus int

const (
	TaskNoTask TaskStatus = iota
	TaskRequesting
	TaskRunning
	TaskClosing
	TaskStopped
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskNoTask:
		return "No_Task"
	case TaskRequesting:
		return "Requesting"
	case TaskRunning:
		return "Running"
	case TaskClosing:
		return "Closing"
	case TaskStopped:
		return "Stopped"
	case TaskFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// TaskStatusDetail refines TaskRunning.
type TaskStatusDetail int

const (
	DetailNoTask TaskStatusDetail = iota
	DetailRetrievingResources
	DetailRunningTool
	DetailPackagingResults
	DetailDeliveringResults
	DetailClosing
)

func (d TaskStatusDetail) String() string {
	switch d {
	case DetailNoTask:
		return "No_Task"
	case DetailRetrievingResources:
		return "Retrieving_Resources"
	case DetailRunningTool:
		return "Running_Tool"
	case DetailPackagingResults:
		return "Packaging_Results"
	case DetailDeliveringResults:
		return "Delivering_Results"
	case DetailClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}
