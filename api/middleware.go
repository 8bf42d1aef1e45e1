package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"projecthub/identity"
)

const (
	metricsKey   = "projecthub.metrics"
	principalKey = "projecthub.principal"
	sessionKey   = "projecthub.session"
)

// Authenticate signs the bearer token into a session scoped to the request.
// EventSource clients cannot set headers, so a token query parameter is
// accepted as well.
func Authenticate(v identity.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header.Get(echo.HeaderAuthorization)
			if h == "" {
				if token := c.QueryParam("token"); token != "" {
					h = "Bearer " + token
				}
			}
			token, err := identity.BearerToken(h)
			if err != nil {
				metricsFrom(c).SetErrorStage("auth")
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
			}
			sess := identity.NewSession(v)
			p, err := sess.SignIn(token)
			if err != nil {
				metricsFrom(c).SetErrorStage("auth")
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			}
			defer sess.SignOut()
			c.Set(sessionKey, sess)
			c.Set(principalKey, p)
			return next(c)
		}
	}
}

func principal(c echo.Context) identity.Principal {
	p, _ := c.Get(principalKey).(identity.Principal)
	return p
}

func session(c echo.Context) *identity.Session {
	s, _ := c.Get(sessionKey).(*identity.Session)
	return s
}

// GzipRequestMiddleware decompresses gzip-encoded request bodies. Invalid
// gzip payloads are rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}
			gr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid gzip body"})
			}
			req.Body = &gzipBody{Reader: gr, body: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipBody struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipBody) Close() error {
	err := g.Reader.Close()
	if cerr := g.body.Close(); err == nil {
		err = cerr
	}
	return err
}
