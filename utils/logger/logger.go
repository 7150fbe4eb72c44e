// Package logger is an asynchronous, object tagged wrapper over logrus.
// Every line is prefixed with the name of the component that produced it.
package logger

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type stringer interface {
	String() string
}

type logPair struct {
	logFn func(...any)
	obj   string
	msg   string
}

const (
	logSize    = 1000
	objNameLen = 20
)

var (
	logCh     = make(chan logPair, logSize)
	drainOnce sync.Once
)

func objToString(obj any) (objStr string) {
	if obj == nil {
		objStr = "NIL"
	} else if stringerObj, ok := obj.(stringer); ok {
		objStr = stringerObj.String()
	} else if objStr, ok = obj.(string); ok {
	} else {
		objStr = reflect.TypeOf(obj).Name()
	}
	return
}

// Init sets the global level and formatter and starts the writer goroutine.
func Init(lvl logrus.Level) {
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		PadLevelText:    true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	drainOnce.Do(startDrain)
}

// ParseLevel maps a configuration string to a logrus level. Empty input means info.
func ParseLevel(lvl string) (logrus.Level, error) {
	if strings.TrimSpace(lvl) == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(lvl)
}

func startDrain() {
	go func() {
		sb := new(bytes.Buffer)
		for logPair := range logCh {
			sb.WriteString(fmt.Sprintf("|%20s|%-100s", logPair.obj, logPair.msg))
			logPair.logFn(sb.String())
			sb.Reset()
		}
	}()
}

func push(fn func(...any), object any, msg string) {
	drainOnce.Do(startDrain)
	logCh <- logPair{
		logFn: fn,
		obj:   truncate(objToString(object)),
		msg:   msg,
	}
}

func truncate(obj string) string {
	if len(obj) > objNameLen {
		return obj[:objNameLen]
	}
	return obj
}

func Trace(object any, message string) {
	if logrus.GetLevel() < logrus.TraceLevel {
		return
	}
	push(logrus.Trace, object, message)
}

func Tracef(object any, message string, args ...any) {
	if logrus.GetLevel() < logrus.TraceLevel {
		return
	}
	push(logrus.Trace, object, fmt.Sprintf(message, args...))
}

func Debug(object any, message string) {
	if logrus.GetLevel() < logrus.DebugLevel {
		return
	}
	push(logrus.Debug, object, message)
}

func Debugf(object any, message string, args ...any) {
	if logrus.GetLevel() < logrus.DebugLevel {
		return
	}
	push(logrus.Debug, object, fmt.Sprintf(message, args...))
}

func Info(object any, message string) {
	if logrus.GetLevel() < logrus.InfoLevel {
		return
	}
	push(logrus.Info, object, message)
}

func Infof(object any, message string, args ...any) {
	if logrus.GetLevel() < logrus.InfoLevel {
		return
	}
	push(logrus.Info, object, fmt.Sprintf(message, args...))
}

func Warning(object any, message string) {
	if logrus.GetLevel() < logrus.WarnLevel {
		return
	}
	push(logrus.Warning, object, message)
}

func Warningf(object any, message string, args ...any) {
	if logrus.GetLevel() < logrus.WarnLevel {
		return
	}
	push(logrus.Warning, object, fmt.Sprintf(message, args...))
}

func Error(object any, message string) {
	if logrus.GetLevel() < logrus.ErrorLevel {
		return
	}
	push(logrus.Error, object, message)
}

func Errorf(object any, message string, args ...any) {
	if logrus.GetLevel() < logrus.ErrorLevel {
		return
	}
	push(logrus.Error, object, fmt.Sprintf(message, args...))
}

func Fatal(object any, message string) {
	logrus.Fatalf("|%20s|%-100s", truncate(objToString(object)), message)
}

func Fatalf(object any, message string, args ...any) {
	logrus.Fatalf("|%20s|%-100s", truncate(objToString(object)), fmt.Sprintf(message, args...))
}
