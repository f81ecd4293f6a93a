package forwarder

import (
	"net/http"
	"net/textproto"
	"strings"

	"github.com/restbank/gateway/pkg/security"
)

// 注入给下游的身份头；入站请求中的同名头一律丢弃，也不会回传给调用方
const (
	HeaderAuthSubject = "X-Auth-Subject"
	HeaderAuthScopes  = "X-Auth-Scopes"
	HeaderAuthRoles   = "X-Auth-Roles"
)

// HeaderCorrelationID 关联 ID
const HeaderCorrelationID = "X-Correlation-ID"

// RFC 7230 6.1 逐跳头
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var internalHeaders = []string{
	HeaderAuthSubject,
	HeaderAuthScopes,
	HeaderAuthRoles,
}

// removeHopHeaders 删除逐跳头以及 Connection 中声明的头
func removeHopHeaders(h http.Header) {
	for _, v := range h["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func removeInternalHeaders(h http.Header) {
	for _, name := range internalHeaders {
		h.Del(name)
	}
}

// injectIdentity 写入身份头
func injectIdentity(h http.Header, auth *security.AuthContext) {
	if auth == nil {
		return
	}
	h.Set(HeaderAuthSubject, auth.Subject)
	if len(auth.Scopes) > 0 {
		h.Set(HeaderAuthScopes, strings.Join(auth.Scopes, " "))
	}
	if len(auth.Roles) > 0 {
		h.Set(HeaderAuthRoles, strings.Join(auth.Roles, " "))
	}
}

// appendForwardedFor 追加 X-Forwarded-For
func appendForwardedFor(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		clientIP = strings.Join(prior, ", ") + ", " + clientIP
	}
	h.Set("X-Forwarded-For", clientIP)
}

// copyResponseHeader 复制下游响应头，跳过逐跳头、身份头与网关自行写入的关联 ID
func copyResponseHeader(dst, src http.Header) {
	h := src.Clone()
	removeHopHeaders(h)
	removeInternalHeaders(h)
	h.Del(HeaderCorrelationID)
	for name, values := range h {
		dst[name] = values
	}
}
