package account

import (
	"bytes"
	"encoding/csv"
	"net/mail"
	"strconv"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/credential"
)

// BatchReport is the template data of the "batch_report" email.
type BatchReport struct {
	AdminName string
	Role      Role
	Grouping  string
	Results   []Result
	Succeeded int
	Failed    int
}

// CredentialSlip is the template data of the "credential_slip" email.
type CredentialSlip struct {
	AdminName string
	Name      string
	Role      Role
	Grouping  string
	credential.Credentials
}

// NewCredentialSlipMessage builds the email handing the credentials of a new account to the administrator who created it.
func NewCredentialSlipMessage(to mail.Address, prof Profile, creds credential.Credentials) *core.EmailMessage {
	return &core.EmailMessage{
		To:           []mail.Address{to},
		Subject:      "New account: " + prof.Name,
		TemplateName: "credential_slip",
		TemplateData: CredentialSlip{
			AdminName:   to.Name,
			Name:        prof.Name,
			Role:        prof.Role,
			Grouping:    prof.Grouping,
			Credentials: creds,
		},
	}
}

// NewBatchReportMessage builds the email sent to the administrator who ran a batch.
// The results are attached as a CSV so credentials can be printed.
func NewBatchReportMessage(to mail.Address, role Role, grouping string, results []Result) (*core.EmailMessage, error) {
	succeeded, failed := Summarize(results)
	msg := &core.EmailMessage{
		To:           []mail.Address{to},
		Subject:      "Account import report",
		TemplateName: "batch_report",
		TemplateData: BatchReport{
			AdminName: to.Name,
			Role:      role,
			Grouping:  grouping,
			Results:   results,
			Succeeded: succeeded,
			Failed:    failed,
		},
	}

	data, err := ResultsCSV(results)
	if err != nil {
		return nil, err
	}
	if err = msg.Attach(bytes.NewReader(data), "accounts.csv", "text/csv"); err != nil {
		return nil, errors.Wrap(err, "attaching results")
	}
	return msg, nil
}

// ResultsCSV renders results as CSV with a header row.
func ResultsCSV(results []Result) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"name", "email", "password", "success", "error"})
	for _, r := range results {
		_ = w.Write([]string{r.Name, r.Email, r.Password, strconv.FormatBool(r.Success), r.Error})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "writing csv")
	}
	return buf.Bytes(), nil
}
