package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/hearthchat/hearth/internal/daemon"
	"github.com/hearthchat/hearth/internal/home"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := home.Resolve(*profileFlag)
	if err := home.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profile}),
	)

	app.Run()
}
