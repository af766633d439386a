package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"relaycrm/config"
	"relaycrm/engine"
	"relaycrm/models"
)

// ReplyWorker polls the outreach mailbox over IMAP and matches inbound
// replies back to the sequence emails they answer, via the In-Reply-To
// header. A detected reply stamps the activity row, stops the
// enrollment when the sequence is configured to stand down, and emits
// the reply trigger event.
type ReplyWorker struct {
	DB     *gorm.DB
	Bus    engine.EventBus
	Logger *logrus.Logger
	IMAP   config.IMAPConfig
}

func NewReplyWorker(db *gorm.DB, bus engine.EventBus, logger *logrus.Logger, imapConfig config.IMAPConfig) *ReplyWorker {
	return &ReplyWorker{
		DB:     db,
		Bus:    bus,
		Logger: logger,
		IMAP:   imapConfig,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.Logger.Info("Reply worker started")

	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Info("Reply worker shutting down...")
			return
		case <-ticker.C:
			if err := rw.poll(); err != nil {
				rw.Logger.WithError(err).Warn("reply poll failed")
			}
		}
	}
}

func (rw *ReplyWorker) poll() error {
	addr := fmt.Sprintf("%s:%d", rw.IMAP.Host, rw.IMAP.Port)
	imapClient, err := client.DialTLS(addr, &tls.Config{
		ServerName: rw.IMAP.Host,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(rw.IMAP.Username, rw.IMAP.Password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	mailbox := rw.IMAP.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	// Envelope is enough; matching runs on headers only
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope}, messages)
	}()

	for msg := range messages {
		if err := rw.processMessage(msg); err != nil {
			rw.Logger.WithField("seq_num", msg.SeqNum).WithError(err).
				Warn("failed to process inbound message")
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}
	return nil
}

func (rw *ReplyWorker) processMessage(msg *imap.Message) error {
	if msg.Envelope == nil || msg.Envelope.InReplyTo == "" {
		return nil
	}

	messageID := normalizeMessageID(msg.Envelope.InReplyTo)

	var activity models.SequenceActivity
	if err := rw.DB.Where("message_id = ?", messageID).First(&activity).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			// Not a reply to anything we sent
			return nil
		}
		return err
	}

	repliedAt := time.Now()
	if msg.Envelope.Date != (time.Time{}) {
		repliedAt = msg.Envelope.Date
	}

	if activity.RepliedAt == nil {
		if err := rw.DB.Model(&activity).Update("replied_at", repliedAt).Error; err != nil {
			return err
		}
	}

	if err := rw.DB.Model(&models.Person{}).
		Where("id = ?", activity.PersonID).
		Update("last_activity_at", repliedAt).Error; err != nil {
		rw.Logger.WithError(err).WithField("person_id", activity.PersonID).
			Warn("failed to update person activity clock")
	}

	if err := rw.stopEnrollment(&activity, repliedAt); err != nil {
		return err
	}

	rw.Bus.Emit(engine.TriggerEvent{
		ProjectID:   activity.ProjectID,
		TriggerType: models.TriggerEmailReplied,
		EntityType:  models.EntityPerson,
		EntityID:    activity.PersonID,
		Data: map[string]interface{}{
			"message_id":  messageID,
			"step_number": activity.StepNumber,
		},
	})

	rw.Logger.WithFields(logrus.Fields{
		"enrollment_id": activity.EnrollmentID,
		"person_id":     activity.PersonID,
		"message_id":    messageID,
	}).Info("reply detected")

	return nil
}

func (rw *ReplyWorker) stopEnrollment(activity *models.SequenceActivity, at time.Time) error {
	var enrollment models.SequenceEnrollment
	if err := rw.DB.First(&enrollment, activity.EnrollmentID).Error; err != nil {
		return err
	}
	if enrollment.IsTerminal() {
		return nil
	}

	var sequence models.Sequence
	if err := rw.DB.First(&sequence, enrollment.SequenceID).Error; err != nil {
		return err
	}
	if !sequence.StopOnReply {
		return nil
	}

	return rw.DB.Model(&enrollment).Updates(map[string]interface{}{
		"status":           models.EnrollmentCancelled,
		"completed_at":     at,
		"next_step_due_at": nil,
		"last_error":       "person replied",
	}).Error
}

// normalizeMessageID keeps the angle-bracketed form sent messages are
// recorded with, whatever the replying client put in the header.
func normalizeMessageID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" {
		return id
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id = id + ">"
	}
	return id
}
