// Package api 提供报告生成服务的网页界面与 REST 接口：表单提交、进度页、
// 报告下载以及任务与历史报告的 JSON 查询。
package api
