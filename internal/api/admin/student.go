package admin

import (
	"net/http"

	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/util"
	"github.com/gin-gonic/gin"
)

func (h *Handler) getAllStudents(c *gin.Context) {
	students, err := database.GetAllStudents(h.db)
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, students, "Students retrieved successfully")
}

func (h *Handler) getStudent(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	student, err := database.GetStudent(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, student, "Student retrieved successfully")
}

func (h *Handler) createStudent(c *gin.Context) {
	var req struct {
		Name  string `json:"name" binding:"required"`
		Grade string `json:"grade"`
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, err)
		return
	}
	student := &models.Student{Name: req.Name, Grade: req.Grade, Notes: req.Notes}
	if err := database.CreateStudent(h.db, student); err != nil {
		fail(c, err)
		return
	}
	util.Success(c, student, "Student created successfully")
}
