// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert sends mail notifications about acquisitions.
package alert // import "github.com/go-lpc/ndt/internal/alert"

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"

	mail "gopkg.in/gomail.v2"
)

// Mailer sends alerts through an SMTP server.
type Mailer struct {
	Username string
	Password string
	Server   string
	Port     int
	Targets  []string

	sender mail.Sender // used instead of dialing Server, when non-nil
}

// FromEnv returns a Mailer configured from the MAIL_USERNAME,
// MAIL_PASSWORD, MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment
// variables. MAIL_TGTS is a comma-separated list of addresses.
func FromEnv() Mailer {
	port, _ := strconv.Atoi(os.Getenv("MAIL_PORT"))
	return Mailer{
		Username: os.Getenv("MAIL_USERNAME"),
		Password: os.Getenv("MAIL_PASSWORD"),
		Server:   os.Getenv("MAIL_SERVER"),
		Port:     port,
		Targets:  SplitTargets(os.Getenv("MAIL_TGTS")),
	}
}

// SplitTargets splits a comma-separated list of addresses, dropping
// empty entries.
func SplitTargets(s string) []string {
	var tgts []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		tgts = append(tgts, v)
	}
	return tgts
}

// Valid returns an error if m lacks credentials or recipients.
func (m Mailer) Valid() error {
	if m.Username == "" || m.Password == "" ||
		m.Server == "" || m.Port == 0 ||
		len(m.Targets) == 0 {
		return fmt.Errorf("alert: missing credentials")
	}
	return nil
}

// Message creates the alert message with the given subject and body.
func (m Mailer) Message(subject, body string) *mail.Message {
	msg := mail.NewMessage()
	msg.SetHeader("From", m.Username)
	msg.SetHeader("Bcc", m.Targets...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	return msg
}

// Send sends an alert with the given subject and body.
func (m Mailer) Send(subject, body string) error {
	err := m.Valid()
	if err != nil {
		return fmt.Errorf("alert: could not send mail alert: %w", err)
	}

	msg := m.Message(subject, body)
	if m.sender != nil {
		err = mail.Send(m.sender, msg)
	} else {
		dial := mail.NewDialer(m.Server, m.Port, m.Username, m.Password)
		dial.TLSConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
		err = dial.DialAndSend(msg)
	}
	if err != nil {
		return fmt.Errorf("alert: could not send mail alert: %w", err)
	}
	return nil
}
