package main

import "github.com/busybox42/egressd/cmd/egressd/commands"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	commands.Version, commands.Commit, commands.Date = version, commit, date
	commands.Execute()
}
