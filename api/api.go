/*
Copyright 2025 Weavesync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	weavesync "github.com/weavehq/weavesync"
)

// Api is the local control surface over the sync engine: queue inspection,
// manual sync triggers, conflict resolution and the operations the host
// application drives.
type Api struct {
	engine *weavesync.Weavesync
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.GET("/queue", a.ListQueueItems)
	router.GET("/queue/:id", a.GetQueueItem)
	router.POST("/queue/retry-all", a.RetryAllFailed)
	router.POST("/queue/:id/retry", a.RetryQueueItem)

	router.POST("/sync/trigger", a.TriggerSync)
	router.GET("/sync/status", a.SyncStatus)

	router.GET("/conflicts", a.ListConflicts)
	router.POST("/conflicts/:id/resolve", a.ResolveConflict)

	router.POST("/weaves", a.ShareWeave)
	router.POST("/weaves/:server_weave_id/accept", a.AcceptWeave)
	router.POST("/weaves/:server_weave_id/decline", a.DeclineWeave)
	router.PUT("/weaves/:server_weave_id", a.UpdateWeave)

	router.POST("/links", a.SendLinkRequest)
	router.POST("/links/:id/accept", a.AcceptLinkRequest)
	router.POST("/links/:id/decline", a.DeclineLinkRequest)

	router.POST("/plans/:id/confirm", a.ConfirmPlan)
	router.POST("/plans/:id/cancel", a.CancelPlan)

	return a.router
}

func NewAPI(engine *weavesync.Weavesync) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	r.GET("/health", func(c *gin.Context) {
		if err := engine.Healthy(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"realtime": engine.RealtimeConnected(),
		})
	})

	return &Api{engine: engine, router: r}
}
