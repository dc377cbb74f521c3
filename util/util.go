/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package util

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrorKind classifies a boot failure.  Every error produced by the core
// carries exactly one kind; the boot selector is the only place that maps a
// kind onto fall-back / revert / panic.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindFlashIO
	KindBadImage
	KindBadSignature
	KindBadHash
	KindBadSecurityCounter
	KindUnsatisfiedDependency
	KindBadFlashMap
	KindNoBootableImage
	KindCorrupt
)

var kindNameMap = map[ErrorKind]string{
	KindUnknown:               "unknown",
	KindFlashIO:               "flash-io",
	KindBadImage:              "bad-image",
	KindBadSignature:          "bad-signature",
	KindBadHash:               "bad-hash",
	KindBadSecurityCounter:    "bad-security-counter",
	KindUnsatisfiedDependency: "unsatisfied-dependency",
	KindBadFlashMap:           "bad-flash-map",
	KindNoBootableImage:       "no-bootable-image",
	KindCorrupt:               "corrupt",
}

func (k ErrorKind) String() string {
	name, ok := kindNameMap[k]
	if !ok {
		return "???"
	}

	return name
}

type BootError struct {
	Kind       ErrorKind
	Parent     error
	Text       string
	StackTrace []byte
}

func (be *BootError) Error() string {
	return be.Text
}

func NewBootError(kind ErrorKind, msg string) *BootError {
	err := &BootError{
		Kind:       kind,
		Text:       msg,
		StackTrace: make([]byte, 65536),
	}

	stackLen := runtime.Stack(err.StackTrace, true)
	err.StackTrace = err.StackTrace[:stackLen]

	return err
}

func FmtBootError(kind ErrorKind, format string,
	args ...interface{}) *BootError {

	return NewBootError(kind, fmt.Sprintf(format, args...))
}

// ChildBootError wraps a non-boot error, preserving the innermost cause.
// The child inherits the parent's kind if the parent is a BootError.
func ChildBootError(parent error) *BootError {
	kind := KindUnknown

	for {
		bootErr, ok := parent.(*BootError)
		if !ok || bootErr == nil {
			break
		}
		kind = bootErr.Kind
		if bootErr.Parent == nil {
			break
		}
		parent = bootErr.Parent
	}

	bootErr := NewBootError(kind, parent.Error())
	bootErr.Parent = parent
	return bootErr
}

func FmtChildBootError(parent error, kind ErrorKind, format string,
	args ...interface{}) *BootError {

	be := ChildBootError(parent)
	be.Kind = kind
	be.Text = fmt.Sprintf(format, args...)
	return be
}

// ErrKind extracts the classification from an error produced by the core.
func ErrKind(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	bootErr, ok := err.(*BootError)
	if !ok {
		return KindUnknown
	}

	return bootErr.Kind
}

var logFile *os.File

type logFormatter struct{}

func (f *logFormatter) Format(entry *log.Entry) ([]byte, error) {
	// 2016/03/16 12:50:47 [DEBUG]

	b := &bytes.Buffer{}

	b.WriteString(entry.Time.Format("2006/01/02 15:04:05.000 "))
	b.WriteString("[" + strings.ToUpper(entry.Level.String()) + "] ")
	b.WriteString(entry.Message)
	b.WriteByte('\n')

	return b.Bytes(), nil
}

func initLog(level log.Level, logFilename string) error {
	log.SetLevel(level)

	var writer io.Writer
	if logFilename == "" {
		writer = os.Stderr
	} else {
		var err error
		logFile, err = os.Create(logFilename)
		if err != nil {
			return NewBootError(KindUnknown, err.Error())
		}

		writer = io.MultiWriter(os.Stderr, logFile)
	}

	log.SetOutput(writer)
	log.SetFormatter(&logFormatter{})

	return nil
}

// Initialize the util module
func Init(logLevel log.Level, logFilename string) error {
	// Configure logging twice.  First just configure the filter for stderr;
	// second configure the logfile if there is one.  This needs to happen in
	// two steps so that the log level is configured prior to the attempt to
	// open the log file.  The correct log level needs to be applied to file
	// error messages.
	if err := initLog(logLevel, ""); err != nil {
		return err
	}
	if logFilename != "" {
		if err := initLog(logLevel, logFilename); err != nil {
			return err
		}
	}

	return nil
}

func Min(x, y int) int {
	if x < y {
		return x
	}
	return y
}

func Max(x, y int) int {
	if x > y {
		return x
	}
	return y
}

// AssertTrue is the platform assert hook.  A failed assertion is not
// recoverable; the process (or MCU) is expected to reset.
func AssertTrue(cond bool, msg string) {
	if !cond {
		log.Errorf("assertion failed: %s", msg)
		panic(msg)
	}
}
