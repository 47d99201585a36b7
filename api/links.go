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
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/weavehq/weavesync/api/model"
)

func (a Api) SendLinkRequest(c *gin.Context) {
	var body model2.SendLink
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := body.ValidateSendLink(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := a.engine.SendLinkRequest(c.Request.Context(), body.ToUserID, body.Message); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"to_user_id": body.ToUserID})
}

func (a Api) AcceptLinkRequest(c *gin.Context) {
	a.answerLinkRequest(c, a.engine.AcceptLinkRequest)
}

func (a Api) DeclineLinkRequest(c *gin.Context) {
	a.answerLinkRequest(c, a.engine.DeclineLinkRequest)
}

func (a Api) answerLinkRequest(c *gin.Context, answer func(ctx context.Context, linkID, fromUserID string) error) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var body model2.LinkAction
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := body.ValidateLinkAction(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := answer(c.Request.Context(), id, body.FromUserID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"link_id": id})
}
