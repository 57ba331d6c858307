package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/jmorganca/sdpipe/cmd"
	"github.com/jmorganca/sdpipe/envconfig"
)

func main() {
	if err := cmd.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	// pick up variables set by the .env file
	envconfig.LoadConfig()

	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
