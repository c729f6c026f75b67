package job

import (
	"slices"
	"strings"
	"time"
)

// SortOrder 定义列表的排序方式，零值为最近更新优先。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 描述一次任务查询。零值表示不过滤的首页。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
	// UpdatedAfter 与 UpdatedBefore 为闭区间，零值表示不限。
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
	HasArtifact   *bool
	Order         SortOrder
	// Query 在任务 ID、公司名称、领域与错误信息中不区分大小写匹配。
	Query string
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只返回给定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

// WithUpdatedBetween 按更新时间过滤，任一端为零值时该端不限。
func WithUpdatedBetween(after, before time.Time) ListOption {
	return func(o *ListOptions) {
		o.UpdatedAfter, o.UpdatedBefore = after, before
	}
}

// WithArtifactPresence 按是否已生成报告过滤。
func WithArtifactPresence(has bool) ListOption {
	return func(o *ListOptions) { o.HasArtifact = &has }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.normalize()
	return options
}

// normalize 把分页限制在合法范围内并清理过滤条件，可重复调用。
func (o *ListOptions) normalize() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	o.Offset = max(o.Offset, 0)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Query = strings.TrimSpace(o.Query)

	if o.Statuses == nil {
		return
	}
	valid := make([]Status, 0, len(o.Statuses))
	for _, status := range o.Statuses {
		if IsValidStatus(status) && !slices.Contains(valid, status) {
			valid = append(valid, status)
		}
	}
	// 全部状态都无效时视为不按状态过滤。
	o.Statuses = nil
	if len(valid) > 0 {
		o.Statuses = valid
	}
}

func (o ListOptions) updatedAfterUnix() int64 {
	if o.UpdatedAfter.IsZero() {
		return 0
	}
	return o.UpdatedAfter.Unix()
}

func (o ListOptions) updatedBeforeUnix() int64 {
	if o.UpdatedBefore.IsZero() {
		return 0
	}
	return o.UpdatedBefore.Unix()
}

// matches 判断任务是否满足过滤条件，分页与排序不在此处理。
func (o ListOptions) matches(j *Job) bool {
	if len(o.Statuses) > 0 && !slices.Contains(o.Statuses, j.Status) {
		return false
	}
	if after := o.updatedAfterUnix(); after > 0 && j.UpdatedAt < after {
		return false
	}
	if before := o.updatedBeforeUnix(); before > 0 && j.UpdatedAt > before {
		return false
	}
	if o.HasArtifact != nil && (j.Artifact != nil) != *o.HasArtifact {
		return false
	}
	if o.Query == "" {
		return true
	}
	needle := strings.ToLower(o.Query)
	for _, field := range []string{j.ID, j.Query.CompanyName, j.Query.Domain, j.LastError} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// before 报告 a 在当前排序下是否排在 b 之前。更新时间相同时依次比较创建时间和 ID。
func (order SortOrder) before(a, b *Job) bool {
	if order == SortByUpdatedAsc {
		a, b = b, a
	}
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}
