package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"projecthub/aggregate"
	"projecthub/docstore"
	"projecthub/domain"
	"projecthub/identity"
	"projecthub/livesync"
)

var keepAliveInterval = 30 * time.Second

// DashboardWatches lists the changes that invalidate a user's dashboard:
// projects they created, projects they are assigned to, any task and any
// profile. Task and profile changes are not filtered by user.
func DashboardWatches(userID string) []livesync.Watch {
	return []livesync.Watch{
		{Collection: domain.ProjectsCollection, Filters: []docstore.Filter{docstore.Equal(domain.FieldCreatorID, userID)}},
		{Collection: domain.ProjectsCollection, Filters: []docstore.Filter{docstore.ArrayContains(domain.FieldMembers, userID)}},
		{Collection: domain.TasksCollection},
		{Collection: domain.UsersCollection},
	}
}

// streamDashboard sends the dashboard as server-sent events, one frame per
// view replacement, until the client leaves or the session ends.
func (s *Server) streamDashboard(c echo.Context) error {
	crit, err := aggregate.ParseSortCriterion(c.QueryParam("sort"))
	if err != nil {
		return fail(c, "decode", err)
	}
	uid := principal(c).ID
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	load := func(ctx context.Context) (aggregate.Dashboard, error) {
		return s.Views.Dashboard(ctx, uid, crit)
	}
	sub, err := livesync.New("dashboard:"+uid, s.Changes, load, DashboardWatches(uid)...).Start(ctx)
	if err != nil {
		return fail(c, "subscribe", err)
	}
	defer sub.Cancel()

	signedOut := make(chan struct{})
	var once sync.Once
	if sess := session(c); sess != nil {
		unsubscribe := sess.OnAuthChange(func(_ identity.Principal, signedIn bool) {
			if !signedIn {
				once.Do(func() { close(signedOut) })
			}
		})
		defer unsubscribe()
	}

	frames := make(chan aggregate.Dashboard, 1)
	sub.OnUpdate(func(d aggregate.Dashboard) {
		for {
			select {
			case frames <- d:
				return
			default:
			}
			select {
			case <-frames:
			default:
			}
		}
	})
	sub.OnError(func(err error) {
		log.WithError(err).WithField("user", uid).Warn("dashboard reload failed")
	})

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case d := <-frames:
			data, err := sonic.Marshal(d)
			if err != nil {
				log.WithError(err).Error("encode dashboard frame")
				continue
			}
			if _, err := res.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
				return nil
			}
			res.Flush()
		case <-ticker.C:
			if _, err := res.Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			res.Flush()
		case <-signedOut:
			return nil
		case <-sub.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
