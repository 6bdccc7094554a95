package emailsvc

import (
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/trezcool/shule/core"
)

var (
	host     = "https://api.sendgrid.com"
	endpoint = "/v3/mail/send"

	sendAttempts uint = 3
)

type sendgridService struct {
	appName    string
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
	logger     core.Logger
}

var _ core.EmailService = (*sendgridService)(nil)

func NewSendgridService(conf *core.Config, logger core.Logger) core.EmailService {
	return &sendgridService{
		appName:    conf.AppName,
		key:        conf.SendgridApiKey,
		host:       host,
		from:       sgmail.NewEmail(conf.DefaultFromEmail.Name, conf.DefaultFromEmail.Address),
		subjPrefix: "[" + conf.AppName + "] ",
		logger:     logger,
	}
}

func (svc *sendgridService) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		msg := msg
		go func() {
			if err := msg.Render(svc.appName); err != nil {
				svc.logger.Error("rendering email", err, map[string]interface{}{"template": msg.TemplateName})
				return
			}
			if msg.HasRecipients() && (msg.HasContent() || msg.HasAttachments()) {
				svc.send(context.Background(), *msg)
			}
		}()
	}
}

func (svc *sendgridService) prepare(msg core.EmailMessage) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = svc.subjPrefix + msg.Subject

	for _, to := range msg.To {
		p.AddTos(getSGEmail(to))
	}
	for _, cc := range msg.Cc {
		p.AddCCs(getSGEmail(cc))
	}
	for _, bcc := range msg.Bcc {
		p.AddBCCs(getSGEmail(bcc))
	}

	m := sgmail.NewV3Mail()
	m.SetFrom(svc.from)
	m.AddPersonalizations(p)

	m.AddContent(sgmail.NewContent("text/plain", msg.TextContent))
	if msg.HTMLContent != "" {
		m.AddContent(sgmail.NewContent("text/html", msg.HTMLContent))
	}

	for _, a := range msg.Attachments {
		m.AddAttachment(getSGAttachment(a))
	}
	return m
}

func getSGEmail(addr mail.Address) *sgmail.Email {
	return sgmail.NewEmail(addr.Name, addr.Address)
}

func getSGAttachment(at core.Attachment) *sgmail.Attachment {
	return &sgmail.Attachment{
		Content:     at.Content.String(),
		Type:        at.ContentType,
		Filename:    at.Filename,
		Disposition: "attachment",
	}
}

// send posts msg, retrying when sendgrid is unavailable or rate limits.
func (svc *sendgridService) send(ctx context.Context, msg core.EmailMessage) {
	body := sgmail.GetRequestBody(svc.prepare(msg))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second

	res, err := backoff.Retry(ctx, func() (*rest.Response, error) {
		req := sendgrid.GetRequest(svc.key, endpoint, svc.host)
		req.Method = http.MethodPost
		req.Body = body

		res, err := sendgrid.API(req)
		if err != nil {
			return nil, err
		}
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError {
			return res, fmt.Errorf("sendgrid status %d", res.StatusCode)
		}
		return res, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(sendAttempts),
	)

	switch {
	case err != nil:
		svc.logger.Error("sending email", err, map[string]interface{}{"subject": msg.Subject})
	case res.StatusCode >= http.StatusBadRequest:
		svc.logger.Error(fmt.Sprintf("sending email - status: %d - Body: %s", res.StatusCode, res.Body))
	}
}
