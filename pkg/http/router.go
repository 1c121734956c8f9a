package xhttp

import (
	"github.com/fasthttp/router"
)

type Router = router.Router
type Group = router.Group

// CreateDefaultRouter returns a router that redirects trailing slashes,
// records the matched route for logging and answers unknown routes with the
// same JSON error shape the handlers use.
func CreateDefaultRouter() *Router {
	r := router.New()
	r.RedirectFixedPath = true
	r.RedirectTrailingSlash = true
	r.SaveMatchedRoutePath = true
	r.NotFound = NotFoundHandler
	r.MethodNotAllowed = MethodNotAllowedHandler
	r.HandleOPTIONS = false
	r.HandleMethodNotAllowed = true
	return r
}

func NotFoundHandler(ctx *RequestCtx) {
	denyJSON(ctx, StatusNotFound, `{"error":"Endpoint not found"}`)
}

func MethodNotAllowedHandler(ctx *RequestCtx) {
	denyJSON(ctx, StatusMethodNotAllowed, `{"error":"Method not allowed"}`)
}
