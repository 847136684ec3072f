package node

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"go.etcd.io/raft/v3"
)

// raftLogger routes the raft library's logging into hclog.
type raftLogger struct {
	log hclog.Logger
}

// NewRaftLogger adapts an hclog.Logger to raft.Logger.
func NewRaftLogger(log hclog.Logger) raft.Logger {
	return &raftLogger{log: log}
}

func (l *raftLogger) Debug(v ...interface{}) { l.log.Debug(fmt.Sprint(v...)) }
func (l *raftLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}

func (l *raftLogger) Info(v ...interface{}) { l.log.Info(fmt.Sprint(v...)) }
func (l *raftLogger) Infof(format string, v ...interface{}) {
	l.log.Info(fmt.Sprintf(format, v...))
}

func (l *raftLogger) Warning(v ...interface{}) { l.log.Warn(fmt.Sprint(v...)) }
func (l *raftLogger) Warningf(format string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, v...))
}

func (l *raftLogger) Error(v ...interface{}) { l.log.Error(fmt.Sprint(v...)) }
func (l *raftLogger) Errorf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
}

// Fatal panics with ErrRaftFatal instead of exiting, so the owner of the
// node can stop cleanly.
func (l *raftLogger) Fatal(v ...interface{}) {
	l.fatal(fmt.Sprint(v...))
}

func (l *raftLogger) Fatalf(format string, v ...interface{}) {
	l.fatal(fmt.Sprintf(format, v...))
}

func (l *raftLogger) fatal(msg string) {
	l.log.Error(msg)
	panic(fmt.Errorf("%w: %s", ErrRaftFatal, msg))
}

func (l *raftLogger) Panic(v ...interface{}) {
	msg := fmt.Sprint(v...)
	l.log.Error(msg)
	panic(msg)
}

func (l *raftLogger) Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	l.log.Error(msg)
	panic(msg)
}

var _ raft.Logger = (*raftLogger)(nil)
