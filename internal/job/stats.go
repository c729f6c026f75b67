package job

// Stats 是一组任务按状态的计数，以及其中最早与最晚的更新时间。没有任务时时间字段为 0。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// InFlight 返回尚未结束的任务数量。
func (s Stats) InFlight() int {
	return s.Pending + s.Running
}

func (s *Stats) add(j *Job) {
	s.Total++
	switch j.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if j.UpdatedAt == 0 {
		return
	}
	if s.OldestUpdatedAt == 0 || j.UpdatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = j.UpdatedAt
	}
	s.NewestUpdatedAt = max(s.NewestUpdatedAt, j.UpdatedAt)
}
