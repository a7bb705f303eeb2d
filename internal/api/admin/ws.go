package admin

import (
	"net/http"

	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func finished(job *models.SyncJob) bool {
	return job.Status == models.JobCompleted || job.Status == models.JobFailed
}

// handleJobWs streams progress events of a job. A finished job gets its final
// status and the connection is closed.
func (h *Handler) handleJobWs(c *gin.Context) {
	jobID := c.Param("id")
	job, err := database.GetJob(h.db, jobID)
	if err != nil {
		c.String(http.StatusNotFound, "job not found")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.S().Errorf("failed to upgrade websocket: %v", err)
		return
	}
	defer conn.Close()

	if finished(job) {
		conn.WriteMessage(websocket.TextMessage, pubsub.Encode(pubsub.EventStatus, job))
		return
	}

	msgChan, unsubscribe := h.broker.Subscribe(jobID)
	defer unsubscribe()

	// The job may have finished between the lookup and the subscription, in
	// which case its topic is already gone.
	if job, err = database.GetJob(h.db, jobID); err == nil && finished(job) {
		conn.WriteMessage(websocket.TextMessage, pubsub.Encode(pubsub.EventStatus, job))
		return
	}

	clientClosed := make(chan struct{})
	go func() {
		defer close(clientClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					zap.S().Infof("job websocket unexpected close error: %v", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				zap.S().Warnf("error writing to job websocket: %v", err)
				return
			}
		case <-clientClosed:
			return
		}
	}
}
