package main

import (
	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/flowlite/cmd/flowlite/commands"
)

var version = "dev"

func main() {
	cli := &commands.CLI{}
	ctx := kong.Parse(cli,
		kong.Name("flowlite"),
		kong.Description("Lightweight embeddable workflow engine with an operator cockpit."),
		kong.Vars{"version": version},
	)
	err := ctx.Run(&commands.Global{})
	ctx.FatalIfErrorf(err)
}
