// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package auditlog records who asked the bridge to do what over the
// control plane. Entries are YAML documents appended to a rotated
// file; recording failures must never interfere with serving the
// request itself.
package auditlog

import (
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/lumberjack/v2"
	"gopkg.in/yaml.v3"
)

// Session records a frontend session attaching to the bridge.
type Session struct {
	Who    string `yaml:"who"` // session id
	Remote string `yaml:"remote"`
	When   string `yaml:"when"` // ISO 8601 to second precision
}

// Request records one targeted control-plane request.
type Request struct {
	Who  string `yaml:"who"`
	What string `yaml:"what"` // method, e.g. "/api/settings"
	When string `yaml:"when"`
}

// Record is one audit log document. Exactly one field is set.
type Record struct {
	Session *Session `yaml:"session,omitempty"`
	Request *Request `yaml:"request,omitempty"`
}

// AuditLog is something that can store control-plane audit records.
type AuditLog interface {
	AddSession(s Session) error
	AddRequest(r Request) error
}

// AuditLogFile appends YAML documents to an audit.log rotated by
// lumberjack.
type AuditLogFile struct {
	fileLogger io.WriteCloser
}

// NewLogFile returns an audit sink writing to audit.log in the given
// directory.
func NewLogFile(dir string) *AuditLogFile {
	logPath := filepath.Join(dir, "audit.log")
	// Priming failures are not fatal; lumberjack will try again on
	// first write.
	_ = primeLogFile(logPath)
	return &AuditLogFile{
		fileLogger: &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    50, // MB
			MaxBackups: 2,
			Compress:   true,
		},
	}
}

// AddSession implements AuditLog.
func (a *AuditLogFile) AddSession(s Session) error {
	return errors.Trace(a.addRecord(Record{Session: &s}))
}

// AddRequest implements AuditLog.
func (a *AuditLogFile) AddRequest(r Request) error {
	return errors.Trace(a.addRecord(Record{Request: &r}))
}

// Close closes the underlying file.
func (a *AuditLogFile) Close() error {
	return errors.Trace(a.fileLogger.Close())
}

const documentStart = "---\n"

func (a *AuditLogFile) addRecord(r Record) error {
	body, err := yaml.Marshal(r)
	if err != nil {
		return errors.Trace(err)
	}
	// One write for separator and document together, so lumberjack
	// cannot roll the file between them.
	withStart := make([]byte, 0, len(documentStart)+len(body))
	withStart = append(withStart, []byte(documentStart)...)
	withStart = append(withStart, body...)
	_, err = a.fileLogger.Write(withStart)
	return errors.Trace(err)
}

// primeLogFile ensures the file exists with a restrictive mode before
// lumberjack opens it.
func primeLogFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Trace(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.Close())
}
