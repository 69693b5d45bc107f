package middleware

import (
	midsec "PPresence/middleware/security"

	"github.com/gin-gonic/gin"
)

type RouteOpt struct {
	IsAuth bool
	Auth   *midsec.Options
}

// POST mounts handler, prepending the auth middleware when requested.
func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		r.POST(path, midsec.Middleware(opt.Auth), handler)
	} else {
		r.POST(path, handler)
	}
}

// GET mounts handler, prepending the auth middleware when requested.
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		r.GET(path, midsec.Middleware(opt.Auth), handler)
	} else {
		r.GET(path, handler)
	}
}
