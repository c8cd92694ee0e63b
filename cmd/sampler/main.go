package main

import "github.com/nicktill/searchsampler/cmd/commands"

func main() {
	commands.Execute()
}
