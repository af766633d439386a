package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"relaycrm/models"
	"relaycrm/utils"
)

const webhookTimeout = 10 * time.Second

// Mailer is the external mail collaborator. Send returns the message
// ID the mail was delivered with.
type Mailer interface {
	Send(email utils.Email) (string, error)
}

// ActionContext carries the entity an action list runs against.
type ActionContext struct {
	ProjectID    uint
	AutomationID uint
	EntityType   string
	EntityID     uint
	Snapshot     map[string]interface{}
}

// ActionExecutor dispatches automation actions to their handlers.
// Handlers take (entity snapshot, action payload) and report a result;
// the executor itself owns the ordering and abort-on-failure policy.
type ActionExecutor struct {
	DB     *gorm.DB
	Mailer Mailer
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewActionExecutor(db *gorm.DB, mailer Mailer, logger *logrus.Logger) *ActionExecutor {
	return &ActionExecutor{
		DB:     db,
		Mailer: mailer,
		Logger: logger,
		Now:    time.Now,
	}
}

// ExecuteAll runs an action list in order. A failing action aborts the
// remaining actions in the list; a wait action defers them until the
// automation is next evaluated (state lives on the entity, not here).
func (ax *ActionExecutor) ExecuteAll(actx ActionContext, actions []models.AutomationAction) []models.ActionResult {
	results := make([]models.ActionResult, 0, len(actions))

	for _, action := range actions {
		if action.Type == models.ActionWait {
			results = append(results, models.ActionResult{
				Type:    action.Type,
				Success: true,
				Detail:  "remaining actions deferred until next evaluation",
			})
			break
		}

		result := ax.execute(actx, action)
		results = append(results, result)
		if !result.Success {
			break
		}
	}

	return results
}

func (ax *ActionExecutor) execute(actx ActionContext, action models.AutomationAction) models.ActionResult {
	result := models.ActionResult{Type: action.Type}

	var detail string
	var err error
	switch action.Type {
	case models.ActionCreateTask:
		detail, err = ax.createTask(actx, action)
	case models.ActionSendEmail:
		detail, err = ax.sendEmail(actx, action)
	case models.ActionUpdateField:
		detail, err = ax.updateField(actx, action)
	case models.ActionAddTag:
		detail, err = ax.addTag(actx, action)
	case models.ActionWebhook:
		detail, err = ax.postWebhook(actx, action)
	default:
		err = fmt.Errorf("unknown action type %q", action.Type)
	}

	if err != nil {
		result.Error = err.Error()
		ax.Logger.WithFields(logrus.Fields{
			"automation_id": actx.AutomationID,
			"entity_type":   actx.EntityType,
			"entity_id":     actx.EntityID,
			"action_type":   action.Type,
		}).WithError(err).Warn("automation action failed")
		return result
	}

	result.Success = true
	result.Detail = detail
	return result
}

// Describe resolves what an action would do without executing it, for
// the dry-run harness.
func (ax *ActionExecutor) Describe(actx ActionContext, action models.AutomationAction) string {
	switch action.Type {
	case models.ActionCreateTask:
		return fmt.Sprintf("create task %q on %s %d", action.TaskTitle, actx.EntityType, actx.EntityID)
	case models.ActionSendEmail:
		to, _ := LookupPath(actx.Snapshot, "email").(string)
		if to == "" {
			return fmt.Sprintf("send email %q (no recipient resolvable on %s %d)", action.Subject, actx.EntityType, actx.EntityID)
		}
		return fmt.Sprintf("send email %q to %s", action.Subject, to)
	case models.ActionUpdateField:
		return fmt.Sprintf("set %s.%s = %v on %s %d", actx.EntityType, action.Field, action.Value, actx.EntityType, actx.EntityID)
	case models.ActionAddTag:
		return fmt.Sprintf("add tag %q to %s %d", action.Tag, actx.EntityType, actx.EntityID)
	case models.ActionWebhook:
		return fmt.Sprintf("POST entity snapshot to %s", action.URL)
	case models.ActionWait:
		return "defer remaining actions until next evaluation"
	default:
		return fmt.Sprintf("unknown action type %q", action.Type)
	}
}

func (ax *ActionExecutor) createTask(actx ActionContext, action models.AutomationAction) (string, error) {
	if action.TaskTitle == "" {
		return "", fmt.Errorf("create_task action is missing task_title")
	}

	task := models.Task{
		ProjectID:    actx.ProjectID,
		EntityType:   actx.EntityType,
		EntityID:     actx.EntityID,
		Title:        action.TaskTitle,
		Description:  action.TaskDescription,
		Source:       "automation",
		AutomationID: &actx.AutomationID,
	}
	if actx.EntityType == models.EntityPerson {
		task.PersonID = utils.Pointer(actx.EntityID)
	}
	if action.TaskDueInDays > 0 {
		task.DueAt = utils.Pointer(ax.Now().Add(time.Duration(action.TaskDueInDays) * 24 * time.Hour))
	}

	if err := ax.DB.Create(&task).Error; err != nil {
		return "", fmt.Errorf("creating task: %w", err)
	}
	return fmt.Sprintf("task %d created", task.ID), nil
}

func (ax *ActionExecutor) sendEmail(actx ActionContext, action models.AutomationAction) (string, error) {
	to, _ := LookupPath(actx.Snapshot, "email").(string)
	if to == "" {
		return "", fmt.Errorf("send_email requires an entity with an email field")
	}
	if err := checkmail.ValidateFormat(to); err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	fields := flattenFields(actx.Snapshot)
	messageID, err := ax.Mailer.Send(utils.Email{
		To:      to,
		Subject: utils.RenderMerge(action.Subject, fields),
		Body:    utils.RenderMerge(action.Body, fields),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("email sent to %s (message %s)", to, messageID), nil
}

func (ax *ActionExecutor) updateField(actx ActionContext, action models.AutomationAction) (string, error) {
	allowed, ok := updatableFields[actx.EntityType]
	if !ok || !allowed[action.Field] {
		return "", fmt.Errorf("field %q is not updatable on %s", action.Field, actx.EntityType)
	}

	res := ax.DB.Table(entityTables[actx.EntityType]).
		Where("id = ? AND project_id = ?", actx.EntityID, actx.ProjectID).
		Update(action.Field, action.Value)
	if res.Error != nil {
		return "", fmt.Errorf("updating %s.%s: %w", actx.EntityType, action.Field, res.Error)
	}
	if res.RowsAffected == 0 {
		return "", fmt.Errorf("%s %d not found in project %d", actx.EntityType, actx.EntityID, actx.ProjectID)
	}
	return fmt.Sprintf("%s.%s updated", actx.EntityType, action.Field), nil
}

func (ax *ActionExecutor) addTag(actx ActionContext, action models.AutomationAction) (string, error) {
	if action.Tag == "" {
		return "", fmt.Errorf("add_tag action is missing tag")
	}

	tag := models.EntityTag{
		ProjectID:  actx.ProjectID,
		EntityType: actx.EntityType,
		EntityID:   actx.EntityID,
		Tag:        action.Tag,
	}
	if err := ax.DB.Where(&models.EntityTag{
		ProjectID:  actx.ProjectID,
		EntityType: actx.EntityType,
		EntityID:   actx.EntityID,
		Tag:        action.Tag,
	}).FirstOrCreate(&tag).Error; err != nil {
		return "", fmt.Errorf("adding tag: %w", err)
	}
	return fmt.Sprintf("tag %q added", action.Tag), nil
}

func (ax *ActionExecutor) postWebhook(actx ActionContext, action models.AutomationAction) (string, error) {
	if action.URL == "" {
		return "", fmt.Errorf("webhook action is missing url")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"automation_id": actx.AutomationID,
		"project_id":    actx.ProjectID,
		"entity_type":   actx.EntityType,
		"entity_id":     actx.EntityID,
		"entity":        actx.Snapshot,
	})
	if err != nil {
		return "", fmt.Errorf("encoding webhook payload: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(action.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	if err := fasthttp.DoTimeout(req, resp, webhookTimeout); err != nil {
		return "", fmt.Errorf("posting webhook: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return fmt.Sprintf("webhook delivered (%d)", resp.StatusCode()), nil
}

// flattenFields converts a snapshot into merge-tag fields, flattening
// one level of nesting with a dotted prefix.
func flattenFields(snapshot map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(snapshot))
	for k, v := range snapshot {
		switch nested := v.(type) {
		case map[string]interface{}:
			for nk, nv := range nested {
				if s := stringify(nv); s != "" {
					fields[k+"."+nk] = s
				}
			}
		default:
			if s := stringify(v); s != "" {
				fields[k] = s
			}
		}
	}
	return fields
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return fmt.Sprintf("%g", s)
	case bool:
		return fmt.Sprintf("%t", s)
	default:
		return ""
	}
}
