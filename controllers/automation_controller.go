package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaycrm/engine"
	"relaycrm/models"
	"relaycrm/utils"
)

// AutomationController serves the automation management surface: the
// dry-run test endpoint and the execution history listing.
type AutomationController struct {
	DB     *gorm.DB
	Engine *engine.AutomationEngine
	Logger *logrus.Logger
}

func NewAutomationController(db *gorm.DB, automationEngine *engine.AutomationEngine, logger *logrus.Logger) *AutomationController {
	return &AutomationController{
		DB:     db,
		Engine: automationEngine,
		Logger: logger,
	}
}

// TestAutomation evaluates one automation against a live entity
// without executing anything. Answers "would this rule fire on this
// record right now, and what would it do".
func (ac *AutomationController) TestAutomation(c *fiber.Ctx) error {
	project, err := ac.findProject(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Project not found", nil)
	}

	var input struct {
		EntityType string `json:"entity_type" validate:"required,oneof=person organization opportunity rfp"`
		EntityID   uint   `json:"entity_id" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	result, err := ac.Engine.DryRun(c.Context(), project.ID, utils.ParseUint(c.Params("id")), input.EntityType, input.EntityID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Automation or entity not found", nil)
		}
		utils.LogError("automation_dry_run_failed", err, map[string]interface{}{
			"project_id":  project.ID,
			"entity_type": input.EntityType,
			"entity_id":   input.EntityID,
		})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to test automation", nil)
	}

	return c.JSON(utils.SuccessResponse(result))
}

// ListExecutions returns the execution history of one automation,
// newest first.
func (ac *AutomationController) ListExecutions(c *fiber.Ctx) error {
	project, err := ac.findProject(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Project not found", nil)
	}

	var automation models.Automation
	if err := ac.DB.Where("project_id = ?", project.ID).
		First(&automation, utils.ParseUint(c.Params("id"))).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Automation not found", nil)
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	var executions []models.AutomationExecution
	query := ac.DB.Where("automation_id = ?", automation.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Order("executed_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&executions).Error; err != nil {
		utils.LogError("automation_executions_list_failed", err, map[string]interface{}{
			"automation_id": automation.ID,
		})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list executions", nil)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    executions,
		"limit":   limit,
		"offset":  offset,
	})
}

func (ac *AutomationController) findProject(c *fiber.Ctx) (*models.Project, error) {
	var project models.Project
	if err := ac.DB.Where("slug = ? AND is_active = ?", c.Params("slug"), true).
		First(&project).Error; err != nil {
		return nil, err
	}
	return &project, nil
}
