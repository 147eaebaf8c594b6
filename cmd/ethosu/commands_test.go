package main

import "testing"

func TestInferCommandFlags(t *testing.T) {
	cmd := inferCommand()

	for _, name := range []string{"network-index", "network", "ifm", "ofm-size", "pmu-event", "cycle-counter", "timeout"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("infer command missing --%s", name)
		}
	}
}

func TestCommandsHaveRunners(t *testing.T) {
	for _, cmd := range []interface{ Runnable() bool }{
		infoCommand(), pingCommand(), inferCommand(), versionCommand(),
	} {
		if !cmd.Runnable() {
			t.Error("command is not runnable")
		}
	}
}
