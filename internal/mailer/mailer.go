// Package mailer sends the workflow's notification emails: a job result to
// the requester and operators with the job file attached, and a review
// summary to operators when new jobs are waiting. Delivery is best effort;
// the workflow's correctness never depends on an email arriving.
package mailer

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aherbert/omero-archiving/pkg/types"
)

// emailPattern is a rough validity check, enough to avoid handing obvious
// garbage to the mail server.
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%-]+@[a-zA-Z0-9._%-]+\.[a-zA-Z]{2,6}$`)

// ValidAddress reports whether the address looks deliverable.
func ValidAddress(addr string) bool {
	return emailPattern.MatchString(addr)
}

// Mailer sends notifications through a local SMTP relay.
type Mailer struct {
	Server string   // SMTP host:port, e.g. "localhost:25"
	From   string   // sender address
	Admins []string // operator addresses, copied on every notification

	// send is replaceable in tests.
	send func(addr, from string, to []string, msg []byte) error
}

// New creates a mailer.
func New(server, from string, admins []string) *Mailer {
	return &Mailer{
		Server: server,
		From:   from,
		Admins: admins,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// JobResult mails the outcome of a job to the operators, and to the
// requester when their address is valid, attaching the job file for
// reference.
func (m *Mailer) JobResult(jobPath, userEmail string, result types.Status) error {
	to := append([]string{}, m.Admins...)
	if ValidAddress(userEmail) {
		to = append(to, userEmail)
	}
	if len(to) == 0 {
		return nil
	}

	name := filepath.Base(jobPath)
	body := fmt.Sprintf(`Archive Job : %s
Result : %s

Your archive job file is attached.

---
OMERO @ %s
`, name, result, hostname())

	attachment, err := os.ReadFile(jobPath)
	if err != nil {
		return fmt.Errorf("mailer: read job file: %w", err)
	}

	msg, err := m.compose(to, "[OMERO Job] Archive Job : "+string(result), body, name+".txt", attachment)
	if err != nil {
		return err
	}
	return m.send(m.Server, m.From, to, msg)
}

// NewJobs mails the operators one summary of the jobs waiting for review,
// with the directories they should be moved to.
func (m *Mailer) NewJobs(jobDir string, summaries []string) error {
	if len(m.Admins) == 0 {
		return nil
	}

	root := filepath.Dir(jobDir)
	body := fmt.Sprintf(`Archive Job : %s

Awaiting review : %d job%s

Please log on to the server and check the directory:
%s

%s

Jobs should be moved to either of the following directories:
%s
%s

---
OMERO @ %s
`, types.StatusNew, len(summaries), pleural(len(summaries)), jobDir,
		strings.Join(summaries, "\n"),
		filepath.Join(root, string(types.StatusApproved)),
		filepath.Join(root, string(types.StatusDeclined)),
		hostname())

	msg, err := m.compose(m.Admins, fmt.Sprintf("[OMERO Job] Archive Job : %s", types.StatusNew), body, "", nil)
	if err != nil {
		return err
	}
	return m.send(m.Server, m.From, m.Admins, msg)
}

// compose builds a multipart MIME message with an optional attachment.
func (m *Mailer) compose(to []string, subject, body, attachName string, attachment []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", m.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", w.Boundary())

	text, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	text.Write([]byte(body))

	if attachName != "" {
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":        {"application/octet-stream"},
			"Content-Disposition": {fmt.Sprintf("attachment; filename=%q", attachName)},
		})
		if err != nil {
			return nil, err
		}
		part.Write(attachment)
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func pleural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
