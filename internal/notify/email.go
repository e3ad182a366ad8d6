// Package notify sends operator notifications about permanently failed
// store jobs.
package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/histq/histq/internal/job"
)

// EmailNotifier emails a recipient when a job fails for good. A nil notifier
// is safe to call; it does nothing.
type EmailNotifier struct {
	apiKey      string
	fromName    string
	fromAddress string
	to          string
}

func NewEmailNotifier(apiKey, fromName, fromAddress, to string) *EmailNotifier {
	if apiKey == "" || to == "" {
		return nil
	}
	return &EmailNotifier{
		apiKey:      apiKey,
		fromName:    fromName,
		fromAddress: fromAddress,
		to:          to,
	}
}

func (n *EmailNotifier) NotifyFailure(ctx context.Context, j *job.Job) {
	if n == nil {
		return
	}

	subject := fmt.Sprintf("Store job %s failed", j.ID)
	body := fmt.Sprintf("Job %s (type %s, queue %s) failed permanently after %d retries:\n\n%s",
		j.ID, j.Type, j.Queue, j.RetryCount, j.Error)

	from := mail.NewEmail(n.fromName, n.fromAddress)
	toEmail := mail.NewEmail("", n.to)
	email := mail.NewSingleEmail(from, subject, toEmail, body, body)

	client := sendgrid.NewSendClient(n.apiKey)
	response, err := client.Send(email)
	if err != nil {
		log.Printf("Failed to send failure notification for job %s: %v", j.ID, err)
		return
	}
	if response.StatusCode >= 400 {
		log.Printf("Failure notification for job %s rejected: status %d", j.ID, response.StatusCode)
		return
	}

	log.Printf("Failure notification sent for job %s (status: %d)", j.ID, response.StatusCode)
}
