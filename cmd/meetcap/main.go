// Command meetcap captures meeting audio and streams it to the transcription
// backend. Run "meetcap serve" for the local agent with its control API, or
// use the one-shot record and upload commands.
package main

import (
	"context"
	"os"

	"github.com/MrWong99/meetcap/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		cli.NewFormatter(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}
