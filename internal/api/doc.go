// Package api 通过 REST 接口暴露注册表的全部操作与查询。
package api
