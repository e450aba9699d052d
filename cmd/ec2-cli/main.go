package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		var status cli.ExitStatus
		if errors.As(err, &status) {
			os.Exit(int(status))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(apperr.ExitCode(err))
	}
}
