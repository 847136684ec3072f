package node

import (
	"errors"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
)

func TestRaftLoggerFatalPanicsWithErrRaftFatal(t *testing.T) {
	log := NewRaftLogger(hclog.NewNullLogger())

	for name, call := range map[string]func(){
		"Fatal":  func() { log.Fatal("lost ", "log") },
		"Fatalf": func() { log.Fatalf("lost %s", "log") },
	} {
		func() {
			defer func() {
				err, ok := recover().(error)
				if !ok || !errors.Is(err, ErrRaftFatal) {
					t.Errorf("%s: expected a panic with ErrRaftFatal, got %v", name, err)
					return
				}
				if !strings.Contains(err.Error(), "lost log") {
					t.Errorf("%s: message lost: %v", name, err)
				}
			}()
			call()
		}()
	}
}
