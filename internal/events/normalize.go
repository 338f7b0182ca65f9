package events

import (
	"sync"

	"makeover/internal/vendor"
)

// JobRegistry assigns stable per-job indices and remembers worker names so
// that later events can be enriched when the vendor omits them.
type JobRegistry struct {
	mu      sync.Mutex
	next    int
	indices map[string]int
	workers map[string]string
}

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{
		indices: make(map[string]int),
		workers: make(map[string]string),
	}
}

// Index returns the job's index, assigning the next one on first sighting.
func (r *JobRegistry) Index(jobID string) (int, bool) {
	if jobID == "" {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.indices[jobID]; ok {
		return idx, true
	}
	idx := r.next
	r.next++
	r.indices[jobID] = idx
	return idx, true
}

// Worker caches name for jobID the first time one is seen and returns the
// cached name.
func (r *JobRegistry) Worker(jobID, name string) string {
	if jobID == "" {
		return name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.workers[jobID]; ok {
		return cached
	}
	if name != "" {
		r.workers[jobID] = name
	}
	return name
}

// FromVendor converts a vendor event into the normalized shape.
func FromVendor(projectID string, ev vendor.Event, jobs *JobRegistry) Event {
	out := Event{ProjectID: projectID}

	withJob := func(jobID, worker string) {
		out.JobID = jobID
		if idx, ok := jobs.Index(jobID); ok {
			out.JobIndex = Int(idx)
		}
		out.WorkerName = jobs.Worker(jobID, worker)
	}

	switch e := ev.(type) {
	case vendor.JobQueued:
		out.Type = TypeQueued
		out.QueuePosition = Int(e.QueuePosition)
	case vendor.JobStarted:
		out.Type = TypeStarted
		withJob(e.JobID, e.WorkerName)
	case vendor.JobProgress:
		out.Type = TypeProgress
		withJob(e.JobID, e.WorkerName)
		out.Step = e.Step
		out.StepCount = e.StepCount
		out.ETA = e.ETA
		if e.StepCount > 0 {
			out.Progress = Float(clamp01(float64(e.Step) / float64(e.StepCount)))
		}
	case vendor.JobPreview:
		out.Type = TypePreview
		withJob(e.JobID, "")
		out.PreviewURL = e.URL
		out.Step = e.Step
	case vendor.JobCompleted:
		out.Type = TypeJobCompleted
		withJob(e.JobID, e.WorkerName)
		out.ResultURL = e.ResultURL
		out.IsNSFW = e.IsNSFW
		out.Seed = &e.Seed
		out.Steps = e.Steps
		out.Cost = e.Cost
		if !e.IsNSFW || e.ResultURL != "" {
			out.Progress = Float(1)
		}
	case vendor.JobFailed:
		out.Type = TypeJobFailed
		withJob(e.JobID, "")
		out.ErrorCode = vendor.ErrorCode(errOrNil(e.Err))
		out.Message = vendor.UserMessage(out.ErrorCode, errOrNil(e.Err))
	case vendor.ProjectCompleted:
		out.Type = TypeCompleted
		out.ImageURLs = append([]string(nil), e.ImageURLs...)
	case vendor.ProjectFailed:
		out.Type = TypeFailed
		out.ErrorCode = vendor.ErrorCode(errOrNil(e.Err))
		if out.ErrorCode == "" {
			out.ErrorCode = vendor.ErrorCodeUnknown
		}
		out.Message = vendor.UserMessage(out.ErrorCode, errOrNil(e.Err))
	}
	return out
}

// errOrNil avoids handing a typed nil *vendor.Error to error-typed callers.
func errOrNil(e *vendor.Error) error {
	if e == nil {
		return nil
	}
	return e
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
