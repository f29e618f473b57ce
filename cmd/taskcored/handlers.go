package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaydesk/taskcore/internal/manager"
	"github.com/relaydesk/taskcore/internal/taskerr"
)

type startTaskBody struct {
	Prompt             string  `json:"prompt" binding:"required"`
	WorkingDir         string  `json:"working_dir" binding:"required"`
	UserID             int64   `json:"user_id"`
	ChatID             int64   `json:"chat_id"`
	ThreadID           *string `json:"thread_id"`
	ContinuationHandle *string `json:"continuation_handle"`
}

func handleStartTask(app *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body startTaskBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		taskID, err := app.manager.StartTask(c.Request.Context(), manager.StartTaskRequest{
			Prompt:             body.Prompt,
			WorkingDir:         body.WorkingDir,
			UserID:             body.UserID,
			ChatID:             body.ChatID,
			ThreadID:           body.ThreadID,
			ContinuationHandle: body.ContinuationHandle,
		})
		if err != nil {
			writeTaskError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
	}
}

func handleGetTask(app *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := app.manager.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeTaskError(c, err)
			return
		}
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func handleStopTask(app *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := app.manager.StopTask(c.Request.Context(), c.Param("id")); err != nil {
			writeTaskError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stopped": true})
	}
}

func writeTaskError(c *gin.Context, err error) {
	switch {
	case isA[*taskerr.ProjectBusy](err), isA[*taskerr.CapacityExceeded](err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case isA[*taskerr.NotFound](err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func isA[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
