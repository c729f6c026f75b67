// Package mysql 提供 MySQL 连接池、内嵌 SQL 迁移以及已完成报告的归档仓库。
// 归档仓库同时提供一个基于本地 JSON 行文件的实现，便于单机部署。
package mysql
