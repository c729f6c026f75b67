package research

import (
	"strings"

	xerrors "MarketResearch/internal/errors"
)

// Query 是一次报告请求的输入，提交后不再修改。
type Query struct {
	CompanyName string `json:"company_name"`
	Domain      string `json:"domain"`
}

// NewQuery 去除首尾空白并校验字段。
func NewQuery(companyName, domain string) (Query, error) {
	q := Query{
		CompanyName: strings.TrimSpace(companyName),
		Domain:      strings.TrimSpace(domain),
	}
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}

// Validate 要求公司名称与领域均不为空。
func (q Query) Validate() error {
	var missing []string
	if strings.TrimSpace(q.CompanyName) == "" {
		missing = append(missing, "company_name")
	}
	if strings.TrimSpace(q.Domain) == "" {
		missing = append(missing, "domain")
	}
	if len(missing) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "公司名称和领域不能为空",
			xerrors.WithMetadata("fields", strings.Join(missing, ",")))
	}
	return nil
}

// Normalize 返回去除首尾空白后的副本。
func (q Query) Normalize() Query {
	return Query{
		CompanyName: strings.TrimSpace(q.CompanyName),
		Domain:      strings.TrimSpace(q.Domain),
	}
}
