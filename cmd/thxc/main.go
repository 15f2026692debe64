package main

import (
	"github.com/alecthomas/kong"

	"github.com/vitaminmoo/thxc-tool/internal/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("thxc"),
		kong.Description("Configure, back up and flash thx-c MIDI/LED controllers over USB serial."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run(&c)
	ctx.FatalIfErrorf(err)
}
