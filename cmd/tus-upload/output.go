package main

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/command"
)

// Outputs exported for subsequent steps with --export-outputs.
const (
	uploadURLOutputKey  = "TUS_UPLOAD_URL"
	uploadSizeOutputKey = "TUS_UPLOAD_SIZE"
)

// outputExporter exposes values for subsequent build steps with envman.
type outputExporter struct {
	cmdFactory command.Factory
}

func newOutputExporter(cmdFactory command.Factory) outputExporter {
	return outputExporter{cmdFactory: cmdFactory}
}

// exportOutput does not expand environment variables in value, upload URLs come from the server.
func (e outputExporter) exportOutput(key, value string) error {
	cmd := e.cmdFactory.Create("envman", []string{"add", "--key", key, "--value", value, "--no-expand"}, nil)
	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		return fmt.Errorf("exporting output with envman failed: %s, output: %s", err, out)
	}
	return nil
}
