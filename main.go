package main

import "github.com/costap/discard/cmd"

var (
	version = "local"
	commit  = ""
	date    = ""
	builtBy = ""
)

func init() {
	cmd.Version = version
	cmd.Commit = commit
	cmd.Date = date
	cmd.BuiltBy = builtBy
}

func main() {
	cmd.Execute()
}
