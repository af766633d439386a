package engine

import (
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"relaycrm/models"
	"relaycrm/utils"
)

var testDBCounter int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	n := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:enginetest%d?mode=memory&cache=shared", n)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Project{},
		&models.Person{},
		&models.Organization{},
		&models.Opportunity{},
		&models.RFP{},
		&models.Task{},
		&models.EntityTag{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceEnrollment{},
		&models.SequenceActivity{},
		&models.Automation{},
		&models.AutomationExecution{},
	))
	return db
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeMailer records outgoing mail instead of sending it.
type fakeMailer struct {
	sent    []utils.Email
	failAll bool
}

func (m *fakeMailer) Send(email utils.Email) (string, error) {
	if m.failAll {
		return "", fmt.Errorf("smtp unavailable")
	}
	m.sent = append(m.sent, email)
	return fmt.Sprintf("<msg-%d@test>", len(m.sent)), nil
}

// recordingBus captures emitted events for assertions.
type recordingBus struct {
	events []TriggerEvent
}

func (b *recordingBus) Emit(event TriggerEvent) {
	b.events = append(b.events, event)
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func seedProject(t *testing.T, db *gorm.DB) models.Project {
	t.Helper()
	project := models.Project{Slug: "acme", Name: "Acme", Timezone: "UTC", IsActive: true}
	require.NoError(t, db.Create(&project).Error)
	return project
}

func seedPerson(t *testing.T, db *gorm.DB, projectID uint, email string) models.Person {
	t.Helper()
	person := models.Person{
		ProjectID: projectID,
		Email:     email,
		FirstName: "Jamie",
		LastName:  "Rivera",
		Stage:     "lead",
	}
	require.NoError(t, db.Create(&person).Error)
	return person
}
