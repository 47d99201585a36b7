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

func (a Api) ShareWeave(c *gin.Context) {
	var body model2.ShareWeave
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := body.ValidateShareWeave(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	serverWeaveID, err := a.engine.ShareWeave(c.Request.Context(), body.InteractionID, body.TargetUserIDs, body.CanParticipantEdit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"server_weave_id": serverWeaveID})
}

func (a Api) AcceptWeave(c *gin.Context) {
	a.respondToWeave(c, true)
}

func (a Api) DeclineWeave(c *gin.Context) {
	a.respondToWeave(c, false)
}

func (a Api) respondToWeave(c *gin.Context, accept bool) {
	serverWeaveID, passed := c.Params.Get("server_weave_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "server_weave_id is required in the route"})
		return
	}

	var err error
	if accept {
		err = a.engine.AcceptSharedWeave(c.Request.Context(), serverWeaveID)
	} else {
		err = a.engine.DeclineSharedWeave(c.Request.Context(), serverWeaveID)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"server_weave_id": serverWeaveID})
}

func (a Api) UpdateWeave(c *gin.Context) {
	serverWeaveID, passed := c.Params.Get("server_weave_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "server_weave_id is required in the route"})
		return
	}

	var body model2.UpdateWeave
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := body.ValidateUpdateWeave(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := a.engine.UpdateSharedWeave(c.Request.Context(), serverWeaveID, body.Fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"server_weave_id": serverWeaveID})
}

func (a Api) ConfirmPlan(c *gin.Context) {
	a.transitionPlan(c, a.engine.ConfirmPlan)
}

func (a Api) CancelPlan(c *gin.Context) {
	a.transitionPlan(c, a.engine.CancelPlan)
}

func (a Api) transitionPlan(c *gin.Context, transition func(ctx context.Context, recordID string) error) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if err := transition(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record_id": id})
}
