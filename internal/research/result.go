package research

import "strings"

// TaskResult 是单个任务的输出，创建后不再修改。
type TaskResult struct {
	TaskID  string   `json:"task_id"`
	Text    string   `json:"text"`
	Sources []string `json:"sources,omitempty"`
}

// Empty 判断结果文本是否为空。
func (r *TaskResult) Empty() bool {
	return r == nil || strings.TrimSpace(r.Text) == ""
}

// contextFor 按任务声明的 Context 顺序挑选已完成的结果。
func contextFor(task Task, done map[string]*TaskResult) []TaskResult {
	if len(task.Context) == 0 {
		return nil
	}
	out := make([]TaskResult, 0, len(task.Context))
	for _, id := range task.Context {
		if r, ok := done[id]; ok && r != nil {
			out = append(out, *r)
		}
	}
	return out
}
