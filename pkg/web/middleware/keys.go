// Package middleware 网关入站中间件
package middleware

// HeaderCorrelationID 关联 ID 请求/响应头
const HeaderCorrelationID = "X-Correlation-ID"

// RouteKey gin.Context 中保存命中路由 ID 的键
const RouteKey = "gateway.route"

// routeLabel 未命中路由时的标签值
const routeLabel = "unmatched"
