package main

import (
	"fmt"
	"os"

	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/mailwarden/internal/cli"
)

func main() {
	v.AppName = "mailwarden"
	v.Component = "wardenctl"

	if err := cli.NewRootCmd(v.Get().Version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
